package a2a

import (
	"fmt"
	"strings"
	"time"
)

// EnvelopeValidationError reports an envelope with missing required fields.
// The envelope is never sent.
type EnvelopeValidationError struct {
	Missing []string
}

func (e *EnvelopeValidationError) Error() string {
	return fmt.Sprintf("envelope missing required fields: %s", strings.Join(e.Missing, ", "))
}

// A2AError is an agent-level failure: the agent responded with an error
// status, or the transport failed without timing out.
type A2AError struct {
	AgentID    string
	StatusCode int
	Message    string
	Err        error
}

func (e *A2AError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("agent %s returned HTTP %d: %s", e.AgentID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("agent %s call failed: %s", e.AgentID, e.Message)
}

func (e *A2AError) Unwrap() error { return e.Err }

// AgentTimeoutError means the agent did not respond within its budget.
type AgentTimeoutError struct {
	AgentID string
	Timeout time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out after %s", e.AgentID, e.Timeout)
}

// CapabilityError means the agent's card does not advertise the requested
// task. The envelope is never sent.
type CapabilityError struct {
	AgentID string
	Task    string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("agent %s does not advertise capability %q", e.AgentID, e.Task)
}

// AgentUnavailableError means the agent's card could not be resolved.
type AgentUnavailableError struct {
	AgentID string
	Err     error
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable: %v", e.AgentID, e.Err)
}

func (e *AgentUnavailableError) Unwrap() error { return e.Err }
