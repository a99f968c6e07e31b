// Package executor runs remediation plans: strictly ordered dispatch to
// workflow agents, a per-action approval gate, a hard execution deadline,
// and an append-only audit trail.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vigil-soc/vigil/pkg/a2a"
	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/contracts"
	"github.com/vigil-soc/vigil/pkg/ident"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/telemetry"
)

const fromAgent = "executor"

const agentApproval = "workflow-approval"

// deadlineExceededMessage is recorded on every action truncated by the
// execution deadline.
const deadlineExceededMessage = "Execution deadline exceeded"

// knownActionTypes are the action types the executor can dispatch. Plans
// containing anything else are rejected before any action runs.
var knownActionTypes = map[string]struct{}{
	"containment":   {},
	"remediation":   {},
	"communication": {},
	"documentation": {},
}

// workflowAliases maps target systems whose workflow agent does not follow
// the workflow-<target_system> convention.
var workflowAliases = map[string]string{
	"k8s":   "workflow-kubernetes",
	"slack": "workflow-communication",
}

// workflowAgentFor resolves the workflow agent id for a target system.
func workflowAgentFor(targetSystem string) string {
	if alias, ok := workflowAliases[targetSystem]; ok {
		return alias
	}
	return "workflow-" + targetSystem
}

// severityFor derives the display severity shown on approval requests.
func severityFor(actionType string) string {
	switch actionType {
	case "containment":
		return "critical"
	case "remediation":
		return "high"
	case "communication", "documentation":
		return "low"
	default:
		return "high"
	}
}

// AgentCaller is the transport surface the executor needs.
type AgentCaller interface {
	Send(ctx context.Context, agentID string, env *a2a.Envelope, opts a2a.SendOptions) (json.RawMessage, error)
}

// Executor dispatches remediation plans to workflow agents.
type Executor struct {
	cfg    *config.Config
	store  storage.Store
	agents AgentCaller
	logger *slog.Logger
	now    func() time.Time
}

// New creates an executor.
func New(cfg *config.Config, store storage.Store, agents AgentCaller) *Executor {
	return &Executor{
		cfg:    cfg,
		store:  store,
		agents: agents,
		logger: slog.Default().With("component", "executor"),
		now:    time.Now,
	}
}

// HandleExecutePlan validates and runs one execute_plan envelope. deadline
// zero uses the configured default. Unknown action types are rejected before
// anything runs; a plan whose incident already has audit records is not
// re-executed.
func (e *Executor) HandleExecutePlan(ctx context.Context, env *a2a.Envelope, deadline time.Duration) (*contracts.ExecuteResponse, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	var req contracts.ExecuteRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode execute request: %w", err)
	}
	if err := contracts.ValidateExecuteRequest(&req); err != nil {
		return nil, err
	}
	for _, action := range req.Actions {
		if _, ok := knownActionTypes[action.ActionType]; !ok {
			return nil, fmt.Errorf("unknown action_type %q in plan for %s: no partial execution", action.ActionType, req.IncidentID)
		}
	}

	prior, err := e.hasPriorExecution(ctx, req.IncidentID)
	if err != nil {
		return nil, err
	}
	if prior {
		e.logger.Warn("Duplicate execution suppressed", "incident_id", req.IncidentID)
		zero := 0
		return &contracts.ExecuteResponse{
			Status:           contracts.ExecStatusCompleted,
			ActionsCompleted: &zero,
		}, nil
	}

	if deadline <= 0 {
		deadline = e.cfg.ExecutionDeadline
	}
	return e.runActions(ctx, req.IncidentID, req.Actions, deadline)
}

func (e *Executor) hasPriorExecution(ctx context.Context, incidentID string) (bool, error) {
	res, err := e.store.Search(ctx, storage.IndexActions, map[string]any{
		"query": map[string]any{"term": map[string]any{"incident_id": incidentID}},
	}, &storage.SearchOptions{Size: 1})
	if err != nil {
		return false, fmt.Errorf("idempotency check for %s: %w", incidentID, err)
	}
	return res.Total > 0, nil
}

func (e *Executor) runActions(ctx context.Context, incidentID string, actions []contracts.PlannedAction, deadline time.Duration) (*contracts.ExecuteResponse, error) {
	sorted := append([]contracts.PlannedAction(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return derefOrder(sorted[i].Order) < derefOrder(sorted[j].Order)
	})

	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]contracts.ActionResult, 0, len(sorted))
	completed := 0
	stopped := false
	stopMessage := ""

	for _, action := range sorted {
		actionID := ident.NewActionID()
		startedAt := e.now()
		result := contracts.ActionResult{
			ActionID:   actionID,
			Order:      derefOrder(action.Order),
			ActionType: action.ActionType,
		}

		switch {
		case stopped:
			result.ExecutionStatus = models.ExecutionSkipped
			result.ErrorMessage = stopMessage
		case execCtx.Err() != nil:
			result.ExecutionStatus = models.ExecutionSkipped
			result.ErrorMessage = deadlineExceededMessage
		default:
			result = e.runAction(execCtx, incidentID, actionID, action)
			if result.ExecutionStatus == models.ExecutionCompleted {
				completed++
			} else {
				// A failure or a refused approval stops all further dispatch.
				stopped = true
				stopMessage = "Skipped: previous action did not complete"
				if result.ErrorMessage == deadlineExceededMessage {
					stopMessage = deadlineExceededMessage
				}
			}
		}

		results = append(results, result)
		e.writeAudit(ctx, incidentID, actionID, action, result, startedAt)
		telemetry.ObserveAction(action.ActionType, result.ExecutionStatus)
	}

	status := contracts.ExecStatusFailed
	switch {
	case completed == len(sorted):
		status = contracts.ExecStatusCompleted
	case completed > 0:
		status = contracts.ExecStatusPartialFailure
	}

	resp := &contracts.ExecuteResponse{
		Status:           status,
		ActionsCompleted: &completed,
		ActionResults:    results,
	}
	if err := contracts.ValidateExecuteResponse(resp); err != nil {
		return nil, err
	}
	e.logger.Info("Plan execution finished",
		"incident_id", incidentID, "status", status, "actions_completed", completed)
	return resp, nil
}

// runAction executes a single action: approval gate first when required,
// then the workflow dispatch. The returned result is terminal for the
// action: completed, failed, or skipped.
func (e *Executor) runAction(ctx context.Context, incidentID, actionID string, action contracts.PlannedAction) contracts.ActionResult {
	result := contracts.ActionResult{
		ActionID:   actionID,
		Order:      derefOrder(action.Order),
		ActionType: action.ActionType,
	}
	started := e.now()

	if action.ApprovalRequired != nil && *action.ApprovalRequired {
		verdict, err := e.approvalGate(ctx, incidentID, actionID, action)
		if err != nil {
			result.ExecutionStatus = models.ExecutionSkipped
			result.ErrorMessage = gateMessage(ctx, err)
			result.DurationMS = e.now().Sub(started).Milliseconds()
			return result
		}
		if verdict != approvalApproved {
			result.ExecutionStatus = models.ExecutionSkipped
			result.ErrorMessage = fmt.Sprintf("Approval %s", verdict)
			result.DurationMS = e.now().Sub(started).Milliseconds()
			return result
		}
	}

	err := e.dispatch(ctx, incidentID, actionID, action)
	result.DurationMS = e.now().Sub(started).Milliseconds()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.ExecutionStatus = models.ExecutionSkipped
			result.ErrorMessage = deadlineExceededMessage
			return result
		}
		result.ExecutionStatus = models.ExecutionFailed
		result.ErrorMessage = err.Error()
		return result
	}
	result.ExecutionStatus = models.ExecutionCompleted
	return result
}

// gateMessage distinguishes deadline truncation from a genuinely broken
// approval poll.
func gateMessage(ctx context.Context, err error) string {
	if ctx.Err() == context.DeadlineExceeded {
		return deadlineExceededMessage
	}
	return fmt.Sprintf("Approval gate error: %v", err)
}

func (e *Executor) dispatch(ctx context.Context, incidentID, actionID string, action contracts.PlannedAction) error {
	agentID := workflowAgentFor(action.TargetSystem)
	env, err := a2a.NewEnvelope(fromAgent, agentID, incidentID, map[string]any{
		"task":          "execute_action",
		"incident_id":   incidentID,
		"action_id":     actionID,
		"action_type":   action.ActionType,
		"description":   action.Description,
		"target_system": action.TargetSystem,
		"target_asset":  action.TargetAsset,
	})
	if err != nil {
		return err
	}
	if _, err := e.agents.Send(ctx, agentID, env, a2a.SendOptions{}); err != nil {
		return fmt.Errorf("dispatch to %s: %w", agentID, err)
	}
	return nil
}

// writeAudit appends the per-attempt audit record. Failures are swallowed:
// auditing never changes an execution outcome.
func (e *Executor) writeAudit(ctx context.Context, incidentID, actionID string, action contracts.PlannedAction, result contracts.ActionResult, startedAt time.Time) {
	record := models.ActionRecord{
		ActionID:          actionID,
		IncidentID:        incidentID,
		ActionType:        action.ActionType,
		TargetSystem:      action.TargetSystem,
		TargetAsset:       action.TargetAsset,
		Description:       action.Description,
		ApprovalRequired:  action.ApprovalRequired != nil && *action.ApprovalRequired,
		ExecutionStatus:   result.ExecutionStatus,
		StartedAt:         startedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:       e.now().UTC().Format(time.RFC3339Nano),
		DurationMS:        result.DurationMS,
		ErrorMessage:      result.ErrorMessage,
		RollbackAvailable: action.RollbackAvailable,
		WorkflowID:        workflowAgentFor(action.TargetSystem),
	}
	if err := e.store.Index(ctx, storage.IndexActions, actionID, record); err != nil {
		e.logger.Warn("Failed to write action audit record",
			"incident_id", incidentID, "action_id", actionID, "error", err)
	}
}

func derefOrder(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
