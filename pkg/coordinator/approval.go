package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/vigil-soc/vigil/pkg/contracts"
	"github.com/vigil-soc/vigil/pkg/incident"
)

// Approval gate verdicts.
const (
	approvalVerdictApproved = "approved"
	approvalVerdictRejected = "rejected"
	approvalVerdictTimeout  = "timeout"
)

// waitForApproval dispatches the approval request to the approval workflow,
// then polls the incident document until the webhook writes a verdict or the
// window closes.
func (c *Coordinator) waitForApproval(ctx context.Context, incidentID string, plan *contracts.PlanResponse) (string, error) {
	c.notify(ctx, agentApproval, incidentID, map[string]any{
		"task":        "request_approval",
		"incident_id": incidentID,
		"actions":     approvalSummary(plan),
	})

	deadline := c.now().Add(c.cfg.ApprovalTimeout)
	ticker := time.NewTicker(c.cfg.ApprovalPollInterval)
	defer ticker.Stop()

	for {
		inc, err := c.machine.Get(ctx, incidentID)
		if err != nil {
			return "", fmt.Errorf("poll approval status for %s: %w", incidentID, err)
		}
		switch inc.ApprovalStatus {
		case incident.ApprovalApproved:
			return approvalVerdictApproved, nil
		case incident.ApprovalRejected:
			return approvalVerdictRejected, nil
		}

		if !c.now().Before(deadline) {
			c.logger.Warn("Approval window closed without a verdict",
				"incident_id", incidentID, "timeout", c.cfg.ApprovalTimeout)
			return approvalVerdictTimeout, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func approvalSummary(plan *contracts.PlanResponse) []map[string]any {
	out := make([]map[string]any, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		if a.ApprovalRequired == nil || !*a.ApprovalRequired {
			continue
		}
		out = append(out, map[string]any{
			"order":         derefInt(a.Order),
			"action_type":   a.ActionType,
			"description":   a.Description,
			"target_system": a.TargetSystem,
		})
	}
	return out
}
