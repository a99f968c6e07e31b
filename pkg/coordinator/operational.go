package coordinator

import (
	"context"
	"fmt"

	"github.com/vigil-soc/vigil/pkg/contracts"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/models"
)

// runOperationalFlow handles sentinel/ops detections: the security spine
// without threat hunting. A high-confidence change correlation earns a light
// investigator pass; anything else goes straight to the commander with a
// report synthesized from the anomaly itself.
func (c *Coordinator) runOperationalFlow(ctx context.Context, alert *models.Alert, raw map[string]any) error {
	var triage contracts.TriageResponse
	if err := c.call(ctx, agentTriage, alert.AlertID, contracts.BuildTriageRequest(alert.AlertID, raw), &triage); err != nil {
		return c.escalateFresh(ctx, alert, "triage_failed", err)
	}
	if err := contracts.ValidateTriageResponse(&triage); err != nil {
		return c.escalateFresh(ctx, alert, "triage_contract_violation", err)
	}

	inc, err := c.createIncident(ctx, alert, incident.TypeOperational, triage.Severity, *triage.PriorityScore)
	if err != nil {
		return err
	}

	if *triage.PriorityScore < c.cfg.SuppressThreshold || triage.Disposition == contracts.DispositionSuppress {
		if _, err := c.machine.Transition(ctx, inc.IncidentID, incident.StateSuppressed, nil); err != nil {
			return fmt.Errorf("suppress %s: %w", inc.IncidentID, err)
		}
		return nil
	}

	if _, err := c.machine.Transition(ctx, inc.IncidentID, incident.StateTriaged, nil); err != nil {
		return err
	}
	if _, err := c.machine.Transition(ctx, inc.IncidentID, incident.StateInvestigating, nil); err != nil {
		return err
	}

	var investigation *contracts.InvestigateResponse
	if changeCorrelationConfidence(raw) == "high" {
		var resp contracts.InvestigateResponse
		if err := c.call(ctx, agentInvestigator, inc.IncidentID,
			contracts.BuildInvestigateRequest(inc.IncidentID, inc.AlertIDs, ""), &resp); err != nil {
			return c.escalate(ctx, inc.IncidentID, "investigation_failed", err)
		}
		if err := contracts.ValidateInvestigateResponse(&resp); err != nil {
			return c.escalate(ctx, inc.IncidentID, "investigation_contract_violation", err)
		}
		investigation = &resp
	} else {
		investigation = synthesizeInvestigation(alert, raw)
		c.logger.Info("Synthesized investigation from anomaly report",
			"incident_id", inc.IncidentID)
	}

	return c.planAndRemediate(ctx, inc.IncidentID, investigation)
}

// changeCorrelationConfidence extracts change_correlation.confidence from the
// raw alert source. Empty when the detection carries no correlation.
func changeCorrelationConfidence(raw map[string]any) string {
	corr, ok := raw["change_correlation"].(map[string]any)
	if !ok {
		return ""
	}
	confidence, _ := corr["confidence"].(string)
	return confidence
}

// synthesizeInvestigation builds a minimal investigation report from the
// anomaly detection so the commander can plan without an investigator pass.
func synthesizeInvestigation(alert *models.Alert, raw map[string]any) *contracts.InvestigateResponse {
	summary := fmt.Sprintf("Operational anomaly %s from rule %s", alert.AlertID, alert.RuleID)
	if alert.Description != "" {
		summary = alert.Description
	} else if anomaly, ok := raw["anomaly_report"].(string); ok && anomaly != "" {
		summary = anomaly
	}

	var services []string
	if svc, ok := raw["service_name"].(string); ok && svc != "" {
		services = append(services, svc)
	} else if alert.AffectedAssetID != "" {
		services = append(services, alert.AffectedAssetID)
	}

	return &contracts.InvestigateResponse{
		Summary:          summary,
		AffectedServices: services,
		RecommendedNext:  contracts.NextPlanRemediation,
		Confidence:       "low",
	}
}
