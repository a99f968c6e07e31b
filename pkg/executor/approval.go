package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/vigil-soc/vigil/pkg/a2a"
	"github.com/vigil-soc/vigil/pkg/contracts"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
)

// Approval gate verdicts.
const (
	approvalApproved = "approved"
	approvalRejected = "rejected"
	approvalTimeout  = "timed out"
)

// maxPollFailures is how many consecutive approval-poll failures the gate
// tolerates before giving up. A successful poll resets the counter.
const maxPollFailures = 3

// approvalGate asks the approval workflow for a verdict on one action and
// polls the approval-response index until one lands or the window closes.
// approve/approved and reject/rejected are decisive; more_info keeps
// polling; a missing document keeps polling until the timeout.
func (e *Executor) approvalGate(ctx context.Context, incidentID, actionID string, action contracts.PlannedAction) (string, error) {
	env, err := a2a.NewEnvelope(fromAgent, agentApproval, incidentID, map[string]any{
		"task":        "request_approval",
		"incident_id": incidentID,
		"action_id":   actionID,
		"action_type": action.ActionType,
		"description": action.Description,
		"severity":    severityFor(action.ActionType),
	})
	if err != nil {
		return "", err
	}
	if _, err := e.agents.Send(ctx, agentApproval, env, a2a.SendOptions{}); err != nil {
		// The request is display-only; polling still catches verdicts written
		// through other channels.
		e.logger.Warn("Approval request dispatch failed",
			"incident_id", incidentID, "action_id", actionID, "error", err)
	}

	deadline := e.now().Add(e.cfg.ExecApprovalTimeout)
	pollFailures := 0

	for {
		verdict, found, err := e.pollVerdict(ctx, incidentID, actionID)
		if err != nil {
			pollFailures++
			if pollFailures >= maxPollFailures {
				return "", fmt.Errorf("approval poll failed %d times in a row: %w", pollFailures, err)
			}
		} else {
			pollFailures = 0
			if found {
				return verdict, nil
			}
		}

		if !e.now().Before(deadline) {
			e.logger.Warn("Approval window closed without a verdict",
				"incident_id", incidentID, "action_id", actionID)
			return approvalTimeout, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.cfg.ExecApprovalPollEvery):
		}
	}
}

// pollVerdict reads the newest approval response for (incident, action).
// found=false when no decisive verdict exists yet.
func (e *Executor) pollVerdict(ctx context.Context, incidentID, actionID string) (string, bool, error) {
	res, err := e.store.Search(ctx, storage.IndexApprovalResponses, map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"incident_id": incidentID}},
					{"term": map[string]any{"action_id": actionID}},
				},
			},
		},
	}, &storage.SearchOptions{Size: 1, Sort: []string{"timestamp:desc"}})
	if err != nil {
		return "", false, err
	}
	if len(res.Hits) == 0 {
		return "", false, nil
	}

	var response models.ApprovalResponse
	if err := res.Hits[0].Decode(&response); err != nil {
		return "", false, err
	}
	switch response.Value {
	case "approve", "approved":
		return approvalApproved, true, nil
	case "reject", "rejected":
		return approvalRejected, true, nil
	default:
		// more_info and anything unrecognized keep the gate polling.
		return "", false, nil
	}
}
