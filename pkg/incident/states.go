// Package incident holds the incident document, its twelve-state machine,
// and the guarded, optimistically-concurrent transition writer.
package incident

import "fmt"

// State is one incident lifecycle state.
type State string

// Incident lifecycle states.
const (
	StateDetected         State = "detected"
	StateTriaged          State = "triaged"
	StateSuppressed       State = "suppressed"
	StateInvestigating    State = "investigating"
	StateThreatHunting    State = "threat_hunting"
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateVerifying        State = "verifying"
	StateReflecting       State = "reflecting"
	StateResolved         State = "resolved"
	StateEscalated        State = "escalated"
)

// transitions is the allowed-edge table. Terminal states have no outgoing
// edges.
var transitions = map[State][]State{
	StateDetected:         {StateTriaged, StateSuppressed, StateEscalated},
	StateTriaged:          {StateInvestigating, StateSuppressed, StateEscalated},
	StateInvestigating:    {StateThreatHunting, StatePlanning, StateEscalated},
	StateThreatHunting:    {StatePlanning, StateEscalated},
	StatePlanning:         {StateExecuting, StateAwaitingApproval, StateEscalated},
	StateAwaitingApproval: {StateExecuting, StateEscalated},
	StateExecuting:        {StateVerifying, StateEscalated},
	StateVerifying:        {StateResolved, StateReflecting, StateEscalated},
	StateReflecting:       {StateInvestigating, StateEscalated},
}

// CanTransition reports whether the edge exists in the transition table.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing edges.
func IsTerminal(s State) bool {
	switch s {
	case StateResolved, StateSuppressed, StateEscalated:
		return true
	}
	return false
}

// TransitionError is a refused transition. No write happened.
type TransitionError struct {
	IncidentID string
	From, To   State
	Reason     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("incident %s: transition %s -> %s refused: %s", e.IncidentID, e.From, e.To, e.Reason)
}
