package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vigil-soc/vigil/pkg/contracts"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/models"
)

// runSecurityFlow is the full security pipeline: triage, investigate,
// optional threat hunt, plan, approval gate, execute, verify, and — when the
// verifier rejects — the reflection loop.
func (c *Coordinator) runSecurityFlow(ctx context.Context, alert *models.Alert, raw map[string]any) error {
	var triage contracts.TriageResponse
	if err := c.call(ctx, agentTriage, alert.AlertID, contracts.BuildTriageRequest(alert.AlertID, raw), &triage); err != nil {
		return c.escalateFresh(ctx, alert, "triage_failed", err)
	}
	if err := contracts.ValidateTriageResponse(&triage); err != nil {
		return c.escalateFresh(ctx, alert, "triage_contract_violation", err)
	}

	inc, err := c.createIncident(ctx, alert, triage.IncidentType, triage.Severity, *triage.PriorityScore)
	if err != nil {
		return err
	}

	if *triage.PriorityScore < c.cfg.SuppressThreshold || triage.Disposition == contracts.DispositionSuppress {
		_, err := c.machine.Transition(ctx, inc.IncidentID, incident.StateSuppressed, nil)
		if err != nil {
			return fmt.Errorf("suppress %s: %w", inc.IncidentID, err)
		}
		c.logger.Info("Alert suppressed below priority threshold",
			"incident_id", inc.IncidentID, "priority_score", *triage.PriorityScore)
		return nil
	}

	if _, err := c.machine.Transition(ctx, inc.IncidentID, incident.StateTriaged, nil); err != nil {
		return err
	}
	if _, err := c.machine.Transition(ctx, inc.IncidentID, incident.StateInvestigating, nil); err != nil {
		return err
	}

	var investigation contracts.InvestigateResponse
	if err := c.call(ctx, agentInvestigator, inc.IncidentID,
		contracts.BuildInvestigateRequest(inc.IncidentID, inc.AlertIDs, ""), &investigation); err != nil {
		return c.escalate(ctx, inc.IncidentID, "investigation_failed", err)
	}
	if err := contracts.ValidateInvestigateResponse(&investigation); err != nil {
		return c.escalate(ctx, inc.IncidentID, "investigation_contract_violation", err)
	}
	if investigation.RecommendedNext == contracts.NextEscalate {
		return c.escalate(ctx, inc.IncidentID, "investigator_recommended_escalation", nil)
	}

	if investigation.RecommendedNext == contracts.NextThreatHunt {
		if _, err := c.machine.Transition(ctx, inc.IncidentID, incident.StateThreatHunting, nil); err != nil {
			return err
		}
		hunt, err := c.runThreatHunt(ctx, inc, alert, &investigation)
		if err != nil {
			return c.escalate(ctx, inc.IncidentID, "threat_hunt_failed", err)
		}
		if unknown := conflictingAssessments(&investigation, hunt); len(unknown) > 0 {
			c.logger.Warn("Threat hunter found compromised assets the investigator missed",
				"incident_id", inc.IncidentID, "assets", unknown)
			return c.escalate(ctx, inc.IncidentID, "conflicting_assessments", nil)
		}
	}

	return c.planAndRemediate(ctx, inc.IncidentID, &investigation)
}

func (c *Coordinator) runThreatHunt(ctx context.Context, inc *incident.Incident, alert *models.Alert, investigation *contracts.InvestigateResponse) (*contracts.ThreatHuntResponse, error) {
	scope := investigation.BlastRadius
	if len(scope) == 0 {
		scope = investigation.AffectedServices
	}
	if len(scope) == 0 && alert.AffectedAssetID != "" {
		scope = []string{alert.AffectedAssetID}
	}
	if len(scope) == 0 {
		return nil, fmt.Errorf("no hunt scope derivable for %s", inc.IncidentID)
	}

	var hunt contracts.ThreatHuntResponse
	if err := c.call(ctx, agentThreatHunter, inc.IncidentID,
		contracts.BuildThreatHuntRequest(inc.IncidentID, scope), &hunt); err != nil {
		return nil, err
	}
	return &hunt, nil
}

// conflictingAssessments returns hunter-confirmed compromised assets the
// investigator never mentioned in its blast radius, services, or summary.
func conflictingAssessments(investigation *contracts.InvestigateResponse, hunt *contracts.ThreatHuntResponse) []string {
	known := make(map[string]struct{})
	for _, a := range investigation.BlastRadius {
		known[a] = struct{}{}
	}
	for _, a := range investigation.AffectedServices {
		known[a] = struct{}{}
	}

	var unknown []string
	for _, asset := range hunt.ConfirmedCompromised {
		if _, ok := known[asset]; ok {
			continue
		}
		if asset != "" && containsWord(investigation.Summary, asset) {
			continue
		}
		unknown = append(unknown, asset)
	}
	return unknown
}

// planAndRemediate covers the back half shared by both flows: commander,
// approval gate, executor, verifier, reflection.
func (c *Coordinator) planAndRemediate(ctx context.Context, incidentID string, investigation *contracts.InvestigateResponse) error {
	inc, err := c.machine.Transition(ctx, incidentID, incident.StatePlanning, func(i *incident.Incident) {
		i.InvestigationSummary = investigation.Summary
		i.AffectedServices = mergeUnique(i.AffectedServices, investigation.AffectedServices)
	})
	if err != nil {
		return err
	}

	var plan contracts.PlanResponse
	if err := c.call(ctx, agentCommander, incidentID,
		contracts.BuildPlanRequest(incidentID, inc.IncidentType, investigation.Summary), &plan); err != nil {
		return c.escalate(ctx, incidentID, "planning_failed", err)
	}
	if err := contracts.ValidatePlanResponse(&plan); err != nil {
		return c.escalate(ctx, incidentID, "plan_contract_violation", err)
	}

	if planNeedsApproval(&plan) {
		if _, err := c.machine.Transition(ctx, incidentID, incident.StateAwaitingApproval, nil); err != nil {
			return err
		}
		verdict, err := c.waitForApproval(ctx, incidentID, &plan)
		if err != nil {
			return c.escalate(ctx, incidentID, "approval_poll_failed", err)
		}
		switch verdict {
		case approvalVerdictRejected:
			return c.escalate(ctx, incidentID, "approval_rejected", nil)
		case approvalVerdictTimeout:
			return c.escalate(ctx, incidentID, "approval_timeout", nil)
		}
	}

	if _, err := c.machine.Transition(ctx, incidentID, incident.StateExecuting, func(i *incident.Incident) {
		i.RemediationPlan = planDocument(&plan)
	}); err != nil {
		return err
	}

	execution, err := c.runExecution(ctx, incidentID, &plan)
	if err != nil {
		return c.escalate(ctx, incidentID, "execution_failed", err)
	}
	if execution.Status == contracts.ExecStatusFailed {
		return c.escalate(ctx, incidentID, "execution_failed",
			fmt.Errorf("executor reported status failed, %d actions completed", *execution.ActionsCompleted))
	}

	if _, err := c.machine.Transition(ctx, incidentID, incident.StateVerifying, nil); err != nil {
		return err
	}
	verification, err := c.runVerification(ctx, incidentID, &plan)
	if err != nil {
		return c.escalate(ctx, incidentID, "verification_failed", err)
	}

	inc, err = c.recordVerification(ctx, incidentID, verification)
	if err != nil {
		return err
	}
	if inc.Status == incident.StateResolved {
		c.finishResolved(ctx, inc)
		return nil
	}
	if inc.Status == incident.StateEscalated {
		return c.finishReflectionLimit(ctx, inc)
	}

	// Guard redirected to reflecting: drive the reflection loop.
	return c.runReflectionLoop(ctx, incidentID, &plan, verification.FailureAnalysis)
}

func (c *Coordinator) runExecution(ctx context.Context, incidentID string, plan *contracts.PlanResponse) (*contracts.ExecuteResponse, error) {
	var execution contracts.ExecuteResponse
	if err := c.call(ctx, agentExecutor, incidentID,
		contracts.BuildExecuteRequest(incidentID, plan.Actions), &execution); err != nil {
		return nil, err
	}
	if err := contracts.ValidateExecuteResponse(&execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

func (c *Coordinator) runVerification(ctx context.Context, incidentID string, plan *contracts.PlanResponse) (*contracts.VerifyResponse, error) {
	services := plan.AffectedServices
	if len(services) == 0 {
		services = criteriaServices(plan.SuccessCriteria)
	}
	var verification contracts.VerifyResponse
	if err := c.call(ctx, agentVerifier, incidentID,
		contracts.BuildVerifyRequest(incidentID, services, plan.SuccessCriteria), &verification); err != nil {
		return nil, err
	}
	if err := contracts.ValidateVerifyResponse(&verification); err != nil {
		return nil, err
	}
	return &verification, nil
}

// recordVerification appends the verifier outcome and attempts the resolved
// transition; the guard redirects to reflecting when the outcome failed.
func (c *Coordinator) recordVerification(ctx context.Context, incidentID string, verification *contracts.VerifyResponse) (*incident.Incident, error) {
	return c.machine.Transition(ctx, incidentID, incident.StateResolved, func(i *incident.Incident) {
		i.VerificationResults = append(i.VerificationResults, incident.VerificationResult{
			Passed:          *verification.Passed,
			HealthScore:     *verification.HealthScore,
			FailureAnalysis: verification.FailureAnalysis,
			Iteration:       verification.Iteration,
			Timestamp:       c.now().UTC().Format(time.RFC3339Nano),
		})
	})
}

func planNeedsApproval(plan *contracts.PlanResponse) bool {
	for _, a := range plan.Actions {
		if a.ApprovalRequired != nil && *a.ApprovalRequired {
			return true
		}
	}
	return false
}

func planDocument(plan *contracts.PlanResponse) map[string]any {
	actions := make([]map[string]any, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		actions = append(actions, map[string]any{
			"order":             derefInt(a.Order),
			"action_type":       a.ActionType,
			"description":       a.Description,
			"target_system":     a.TargetSystem,
			"target_asset":      a.TargetAsset,
			"approval_required": a.ApprovalRequired != nil && *a.ApprovalRequired,
		})
	}
	return map[string]any{
		"actions":   actions,
		"rationale": plan.Rationale,
	}
}

func criteriaServices(criteria []contracts.SuccessCriterion) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, cr := range criteria {
		if _, ok := seen[cr.ServiceName]; !ok {
			seen[cr.ServiceName] = struct{}{}
			out = append(out, cr.ServiceName)
		}
	}
	return out
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func containsWord(text, word string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(word))
}
