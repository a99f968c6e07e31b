package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/telemetry"
)

// Machine executes guarded transitions with optimistic concurrency. Exactly
// one coordinator path is active per incident; the conditional write defends
// against the races that remain (webhook writers, competing workers).
type Machine struct {
	store          storage.Store
	maxReflections int
	logger         *slog.Logger
	now            func() time.Time
}

// NewMachine creates a transition writer.
func NewMachine(store storage.Store, maxReflections int) *Machine {
	return &Machine{
		store:          store,
		maxReflections: maxReflections,
		logger:         slog.Default().With("component", "incident-machine"),
		now:            time.Now,
	}
}

// Create writes a new incident in the detected state.
func (m *Machine) Create(ctx context.Context, inc *Incident) error {
	now := m.now().UTC().Format(time.RFC3339Nano)
	inc.Status = StateDetected
	inc.CreatedAt = now
	inc.StateTimestamps = map[string]string{string(StateDetected): now}
	if err := m.store.Index(ctx, storage.IndexIncidents, inc.IncidentID, inc); err != nil {
		return fmt.Errorf("create incident %s: %w", inc.IncidentID, err)
	}
	m.logger.Info("Incident created",
		"incident_id", inc.IncidentID,
		"incident_type", inc.IncidentType,
		"severity", inc.Severity)
	return nil
}

// Get fetches an incident without tokens.
func (m *Machine) Get(ctx context.Context, incidentID string) (*Incident, error) {
	doc, err := m.store.Get(ctx, storage.IndexIncidents, incidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", incidentID, err)
	}
	var inc Incident
	if err := doc.Decode(&inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", incidentID, err)
	}
	return &inc, nil
}

// Transition moves an incident to a new state. The guard may redirect to a
// different target; the returned incident reflects the state actually
// reached. mutate, if non-nil, edits phase output fields before the write.
// A write conflict is retried once; if the re-read already shows the target
// state the other writer won and the transition is idempotently successful.
func (m *Machine) Transition(ctx context.Context, incidentID string, to State, mutate func(*Incident)) (*Incident, error) {
	inc, err := m.transitionOnce(ctx, incidentID, to, mutate)
	if err == nil || !errors.Is(err, storage.ErrConflict) {
		return inc, err
	}

	current, getErr := m.Get(ctx, incidentID)
	if getErr == nil && current.Status == to {
		m.logger.Info("Transition already applied by concurrent writer",
			"incident_id", incidentID, "status", to)
		return current, nil
	}

	return m.transitionOnce(ctx, incidentID, to, mutate)
}

func (m *Machine) transitionOnce(ctx context.Context, incidentID string, to State, mutate func(*Incident)) (*Incident, error) {
	doc, err := m.store.Get(ctx, storage.IndexIncidents, incidentID)
	if err != nil {
		return nil, fmt.Errorf("read incident %s for transition: %w", incidentID, err)
	}
	var inc Incident
	if err := doc.Decode(&inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", incidentID, err)
	}

	from := inc.Status
	// Phase outputs land before the guard runs so guards judge the document
	// the caller intends to persist (e.g. the verification just appended).
	if mutate != nil {
		mutate(&inc)
	}
	guard := evaluateGuard(&inc, from, to, m.maxReflections)
	if !guard.Allowed {
		if guard.RedirectTo == "" {
			return nil, &TransitionError{IncidentID: incidentID, From: from, To: to, Reason: guard.Reason}
		}
		m.logger.Info("Guard redirected transition",
			"incident_id", incidentID,
			"from", from, "requested", to, "redirected_to", guard.RedirectTo,
			"reason", guard.Reason)
		to = guard.RedirectTo
		if to == StateEscalated && guard.Reason != "" && inc.EscalationReason == "" {
			inc.EscalationReason = guard.Reason
		}
	}

	now := m.now().UTC().Format(time.RFC3339Nano)
	inc.Status = to
	if inc.StateTimestamps == nil {
		inc.StateTimestamps = make(map[string]string)
	}
	if _, seen := inc.StateTimestamps[string(to)]; !seen {
		inc.StateTimestamps[string(to)] = now
	}
	switch to {
	case StateReflecting:
		inc.ReflectionCount++
	case StateResolved:
		inc.ResolvedAt = now
		if inc.ResolutionType == "" {
			inc.ResolutionType = "automated"
		}
		inc.TimingMetrics = ComputeTimings(&inc)
	}

	err = m.store.Update(ctx, storage.IndexIncidents, incidentID, &inc, &storage.UpdateOptions{Token: doc.Token()})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("transition %s -> %s on %s: %w", from, to, incidentID, err)
		}
		return nil, fmt.Errorf("write transition %s -> %s on %s: %w", from, to, incidentID, err)
	}

	m.logger.Info("Incident transitioned",
		"incident_id", incidentID, "from", from, "to", to)
	telemetry.ObserveTransition(string(from), string(to), IsTerminal(to))
	return &inc, nil
}
