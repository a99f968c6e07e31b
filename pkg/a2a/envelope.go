// Package a2a implements agent-to-agent RPC: a message envelope, per-agent
// timeouts, capability gating against discovered cards, and a router that
// POSTs envelopes to the agent runtime with telemetry on every call.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigil-soc/vigil/pkg/ident"
)

// Envelope wraps every A2A payload. correlation_id persists across all calls
// for one incident so downstream agents can stitch the conversation together.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	FromAgent     string          `json:"from_agent"`
	ToAgent       string          `json:"to_agent"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload for transmission. The payload is serialized
// once here; the router transmits it bit-identical.
func NewEnvelope(fromAgent, toAgent, correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}
	return &Envelope{
		MessageID:     ident.NewMessageID(),
		FromAgent:     fromAgent,
		ToAgent:       toAgent,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// Validate checks every required envelope field is present. A failed
// validation means the envelope is never transmitted.
func (e *Envelope) Validate() error {
	var missing []string
	if e.MessageID == "" {
		missing = append(missing, "message_id")
	}
	if e.FromAgent == "" {
		missing = append(missing, "from_agent")
	}
	if e.ToAgent == "" {
		missing = append(missing, "to_agent")
	}
	if e.Timestamp == "" {
		missing = append(missing, "timestamp")
	}
	if e.CorrelationID == "" {
		missing = append(missing, "correlation_id")
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return &EnvelopeValidationError{Missing: missing}
	}
	return nil
}

// Task extracts payload.task, the capability the envelope invokes. Empty if
// the payload carries no task field.
func (e *Envelope) Task() string {
	var probe struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return ""
	}
	return probe.Task
}
