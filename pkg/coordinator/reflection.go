package coordinator

import (
	"context"
	"fmt"

	"github.com/vigil-soc/vigil/pkg/contracts"
	"github.com/vigil-soc/vigil/pkg/incident"
)

// runReflectionLoop drives the re-investigate/re-plan/re-execute cycle after
// a failed verification. The incident is already in the reflecting state
// when the loop starts; each pass carries the newest failure analysis into a
// freshly built investigate request. The reflection cap is enforced on entry
// to reflecting: a failed verification at the cap redirects to escalated, so
// an incident with reflection_count == MAX_REFLECTIONS still gets its final
// verification pass.
func (c *Coordinator) runReflectionLoop(ctx context.Context, incidentID string, plan *contracts.PlanResponse, failureAnalysis string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		inc, err := c.machine.Transition(ctx, incidentID, incident.StateInvestigating, nil)
		if err != nil {
			return err
		}

		c.logger.Info("Reflection pass started",
			"incident_id", incidentID,
			"reflection_count", inc.ReflectionCount,
			"failure_analysis", failureAnalysis)

		var investigation contracts.InvestigateResponse
		if err := c.call(ctx, agentInvestigator, incidentID,
			contracts.BuildInvestigateRequest(incidentID, inc.AlertIDs, failureAnalysis), &investigation); err != nil {
			return c.escalate(ctx, incidentID, "reinvestigation_failed", err)
		}
		if err := contracts.ValidateInvestigateResponse(&investigation); err != nil {
			return c.escalate(ctx, incidentID, "reinvestigation_failed", err)
		}

		// Threat hunting is skipped on reflection passes.
		if _, err := c.machine.Transition(ctx, incidentID, incident.StatePlanning, func(i *incident.Incident) {
			i.InvestigationSummary = investigation.Summary
		}); err != nil {
			return err
		}

		var revised contracts.PlanResponse
		if err := c.call(ctx, agentCommander, incidentID,
			contracts.BuildPlanRequest(incidentID, inc.IncidentType, investigation.Summary), &revised); err != nil {
			return c.escalate(ctx, incidentID, "replanning_failed", err)
		}
		if err := contracts.ValidatePlanResponse(&revised); err != nil {
			return c.escalate(ctx, incidentID, "replanning_failed", err)
		}
		plan = &revised

		if _, err := c.machine.Transition(ctx, incidentID, incident.StateExecuting, func(i *incident.Incident) {
			i.RemediationPlan = planDocument(plan)
		}); err != nil {
			return err
		}

		execution, execErr := c.runExecution(ctx, incidentID, plan)
		if execErr == nil && execution.Status == contracts.ExecStatusFailed {
			execErr = fmt.Errorf("executor reported status failed")
		}
		if execErr != nil {
			// Execution failure is its own reflection cause: loop again with
			// the error as the analysis instead of escalating outright.
			if _, err := c.machine.Transition(ctx, incidentID, incident.StateVerifying, nil); err != nil {
				return err
			}
			reflected, err := c.machine.Transition(ctx, incidentID, incident.StateReflecting, nil)
			if err != nil {
				return err
			}
			if reflected.Status == incident.StateEscalated {
				return c.finishReflectionLimit(ctx, reflected)
			}
			failureAnalysis = fmt.Sprintf("Execution failed: %v", execErr)
			continue
		}

		if _, err := c.machine.Transition(ctx, incidentID, incident.StateVerifying, nil); err != nil {
			return err
		}
		verification, err := c.runVerification(ctx, incidentID, plan)
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

		failureAnalysis = verification.FailureAnalysis
	}
}

// finishReflectionLimit handles the guard redirect that fires when a failed
// verification lands on an incident already at the reflection cap.
func (c *Coordinator) finishReflectionLimit(ctx context.Context, inc *incident.Incident) error {
	c.logger.Warn("Reflection limit reached",
		"incident_id", inc.IncidentID, "reflection_count", inc.ReflectionCount)
	_, err := c.escalateIncident(ctx, inc.IncidentID, "reflection_limit_reached")
	return err
}
