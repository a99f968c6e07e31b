package contracts

// Builders produce exactly the fields their validators require. Optional
// fields are omitted when not provided, never sent as empty placeholders.

// BuildTriageRequest builds a triage request for one alert.
func BuildTriageRequest(alertID string, alertData map[string]any) *TriageRequest {
	return &TriageRequest{
		Task:      TaskTriageAlert,
		AlertID:   alertID,
		AlertData: alertData,
	}
}

// BuildInvestigateRequest builds an investigate request. previousFailure is
// the most recent verifier failure analysis; empty on the first iteration.
// Reflection iterations must call this builder again with the newest
// analysis rather than mutating a cached request.
func BuildInvestigateRequest(incidentID string, alertIDs []string, previousFailure string) *InvestigateRequest {
	return &InvestigateRequest{
		Task:                    TaskInvestigateIncident,
		IncidentID:              incidentID,
		AlertIDs:                alertIDs,
		PreviousFailureAnalysis: previousFailure,
	}
}

// BuildThreatHuntRequest builds a threat-hunt request over the blast radius.
func BuildThreatHuntRequest(incidentID string, huntScope []string) *ThreatHuntRequest {
	return &ThreatHuntRequest{
		Task:       TaskThreatHunt,
		IncidentID: incidentID,
		HuntScope:  huntScope,
	}
}

// BuildPlanRequest builds a remediation-plan request.
func BuildPlanRequest(incidentID, incidentType, investigationSummary string) *PlanRequest {
	return &PlanRequest{
		Task:                 TaskPlanRemediation,
		IncidentID:           incidentID,
		IncidentType:         incidentType,
		InvestigationSummary: investigationSummary,
	}
}

// BuildExecuteRequest builds an execute request from a plan's actions.
func BuildExecuteRequest(incidentID string, actions []PlannedAction) *ExecuteRequest {
	return &ExecuteRequest{
		Task:       TaskExecutePlan,
		IncidentID: incidentID,
		Actions:    actions,
	}
}

// BuildVerifyRequest builds a verify request from a plan's criteria.
func BuildVerifyRequest(incidentID string, affectedServices []string, criteria []SuccessCriterion) *VerifyRequest {
	return &VerifyRequest{
		Task:             TaskVerifyResolution,
		IncidentID:       incidentID,
		AffectedServices: affectedServices,
		SuccessCriteria:  criteria,
	}
}
