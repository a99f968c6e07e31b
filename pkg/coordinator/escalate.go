package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
)

// EscalateResult reports whether an escalation actually fired or was skipped
// by the latch.
type EscalateResult struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// escalate routes an unrecoverable phase failure into escalateIncident and
// returns the original cause for the caller's log line.
func (c *Coordinator) escalate(ctx context.Context, incidentID, reason string, cause error) error {
	if _, err := c.escalateIncident(ctx, incidentID, reason); err != nil {
		c.logger.Error("Escalation itself failed",
			"incident_id", incidentID, "reason", reason, "error", err)
	}
	if cause != nil {
		return fmt.Errorf("%s: %w", reason, cause)
	}
	return errors.New(reason)
}

// escalateFresh escalates an alert whose pipeline failed before an incident
// document existed: it creates one and escalates it immediately.
func (c *Coordinator) escalateFresh(ctx context.Context, alert *models.Alert, reason string, cause error) error {
	inc, err := c.createIncident(ctx, alert, incident.TypeSecurity, alert.SeverityOriginal, 0)
	if err != nil {
		c.logger.Error("Failed to create incident for escalation",
			"alert_id", alert.AlertID, "reason", reason, "error", err)
		return fmt.Errorf("%s: %w", reason, cause)
	}
	return c.escalate(ctx, inc.IncidentID, reason, cause)
}

// escalateIncident latches the escalation exactly once. A second call for
// the same incident returns {skipped:true, reason:"already_escalated"}
// without dispatching another notification. The notify envelope is
// best-effort: failures are logged, never thrown.
func (c *Coordinator) escalateIncident(ctx context.Context, incidentID, reason string) (*EscalateResult, error) {
	result, inc, err := c.latchEscalation(ctx, incidentID, reason)
	if err != nil || result.Skipped {
		return result, err
	}

	c.logger.Warn("Incident escalated", "incident_id", incidentID, "reason", reason)
	c.notify(ctx, agentNotify, incidentID, map[string]any{
		"task":        "notify_escalation",
		"incident_id": incidentID,
		"reason":      reason,
		"severity":    inc.Severity,
	})
	if c.notifier != nil {
		c.notifier.IncidentEscalated(ctx, inc, reason)
	}
	return result, nil
}

func (c *Coordinator) latchEscalation(ctx context.Context, incidentID, reason string) (*EscalateResult, *incident.Incident, error) {
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := c.store.Get(ctx, storage.IndexIncidents, incidentID)
		if err != nil {
			return nil, nil, fmt.Errorf("read incident %s for escalation: %w", incidentID, err)
		}
		var inc incident.Incident
		if err := doc.Decode(&inc); err != nil {
			return nil, nil, fmt.Errorf("decode incident %s: %w", incidentID, err)
		}

		if inc.EscalationTriggered {
			return &EscalateResult{Skipped: true, Reason: "already_escalated"}, &inc, nil
		}

		if inc.Status != incident.StateEscalated {
			latched, err := c.machine.Transition(ctx, incidentID, incident.StateEscalated, func(i *incident.Incident) {
				i.EscalationTriggered = true
				if i.EscalationReason == "" {
					i.EscalationReason = reason
				}
			})
			if err != nil {
				return nil, nil, err
			}
			return &EscalateResult{}, latched, nil
		}

		// Already in the escalated state (guard redirect); latch in place.
		inc.EscalationTriggered = true
		if inc.EscalationReason == "" {
			inc.EscalationReason = reason
		}
		err = c.store.Update(ctx, storage.IndexIncidents, incidentID, &inc, &storage.UpdateOptions{Token: doc.Token()})
		if err == nil {
			return &EscalateResult{}, &inc, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, nil, fmt.Errorf("latch escalation on %s: %w", incidentID, err)
		}
		// Conflict: someone else may have latched; re-read and decide.
	}
	return nil, nil, fmt.Errorf("latch escalation on %s: %w", incidentID, storage.ErrConflict)
}
