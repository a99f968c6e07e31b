// Package contracts defines the request/response schemas exchanged between
// the Coordinator and the specialist agents, the builders that produce them,
// and strict validators that accumulate every violation before failing.
package contracts

// Task names carried in envelope payloads.
const (
	TaskTriageAlert         = "triage_alert"
	TaskInvestigateIncident = "investigate_incident"
	TaskThreatHunt          = "threat_hunt"
	TaskPlanRemediation     = "plan_remediation"
	TaskExecutePlan         = "execute_plan"
	TaskVerifyResolution    = "verify_resolution"
)

// Dispositions returned by Triage.
const (
	DispositionInvestigate = "investigate"
	DispositionQueue       = "queue"
	DispositionSuppress    = "suppress"
)

// Recommended next steps returned by the Investigator.
const (
	NextPlanRemediation = "plan_remediation"
	NextThreatHunt      = "threat_hunt"
	NextEscalate        = "escalate"
)

// Executor terminal statuses.
const (
	ExecStatusCompleted      = "completed"
	ExecStatusPartialFailure = "partial_failure"
	ExecStatusFailed         = "failed"
)

// TriageRequest asks the Triage agent to score and classify an alert.
type TriageRequest struct {
	Task      string         `json:"task" validate:"required,eq=triage_alert"`
	AlertID   string         `json:"alert_id" validate:"required"`
	AlertData map[string]any `json:"alert_data" validate:"required"`
}

// TriageResponse carries the triage verdict.
type TriageResponse struct {
	PriorityScore *float64 `json:"priority_score" validate:"required,gte=0,lte=1"`
	Disposition   string   `json:"disposition" validate:"required,oneof=investigate queue suppress"`
	Severity      string   `json:"severity" validate:"required,oneof=critical high medium low info"`
	IncidentType  string   `json:"incident_type" validate:"required,oneof=security operational"`
	Reasoning     string   `json:"reasoning,omitempty"`
}

// InvestigateRequest asks the Investigator to analyze an incident.
// PreviousFailureAnalysis is set only on reflection iterations.
type InvestigateRequest struct {
	Task                    string   `json:"task" validate:"required,eq=investigate_incident"`
	IncidentID              string   `json:"incident_id" validate:"required"`
	AlertIDs                []string `json:"alert_ids" validate:"required,min=1"`
	PreviousFailureAnalysis string   `json:"previous_failure_analysis,omitempty"`
}

// InvestigateResponse carries the investigation result.
type InvestigateResponse struct {
	Summary          string   `json:"summary" validate:"required"`
	BlastRadius      []string `json:"blast_radius,omitempty"`
	AffectedServices []string `json:"affected_services,omitempty"`
	RecommendedNext  string   `json:"recommended_next" validate:"required,oneof=plan_remediation threat_hunt escalate"`
	Confidence       string   `json:"confidence,omitempty"`
}

// ThreatHuntRequest asks the Threat Hunter to sweep the suspected scope.
type ThreatHuntRequest struct {
	Task       string   `json:"task" validate:"required,eq=threat_hunt"`
	IncidentID string   `json:"incident_id" validate:"required"`
	HuntScope  []string `json:"hunt_scope" validate:"required,min=1"`
}

// ThreatHuntResponse carries the hunt findings.
type ThreatHuntResponse struct {
	ConfirmedCompromised []string `json:"confirmed_compromised"`
	Findings             string   `json:"findings,omitempty"`
}

// PlanRequest asks the Commander for a remediation plan.
type PlanRequest struct {
	Task                 string `json:"task" validate:"required,eq=plan_remediation"`
	IncidentID           string `json:"incident_id" validate:"required"`
	IncidentType         string `json:"incident_type" validate:"required,oneof=security operational"`
	InvestigationSummary string `json:"investigation_summary" validate:"required"`
}

// PlannedAction is a single step of a remediation plan.
type PlannedAction struct {
	Order            *int   `json:"order" validate:"required"`
	ActionType       string `json:"action_type" validate:"required"`
	Description      string `json:"description" validate:"required"`
	TargetSystem     string `json:"target_system" validate:"required"`
	TargetAsset      string `json:"target_asset,omitempty"`
	ApprovalRequired *bool  `json:"approval_required" validate:"required"`
	RollbackAvailable bool  `json:"rollback_available,omitempty"`
}

// SuccessCriterion is one verification criterion of a plan.
type SuccessCriterion struct {
	Metric      string   `json:"metric" validate:"required"`
	Operator    string   `json:"operator" validate:"required,oneof=lte gte eq"`
	Threshold   *float64 `json:"threshold" validate:"required"`
	ServiceName string   `json:"service_name" validate:"required"`
}

// PlanResponse carries the remediation plan.
type PlanResponse struct {
	Actions          []PlannedAction    `json:"actions" validate:"required,min=1,dive"`
	SuccessCriteria  []SuccessCriterion `json:"success_criteria" validate:"required,min=1,dive"`
	AffectedServices []string           `json:"affected_services,omitempty"`
	Rationale        string             `json:"rationale,omitempty"`
}

// ExecuteRequest asks the Executor to run a plan.
type ExecuteRequest struct {
	Task       string          `json:"task" validate:"required,eq=execute_plan"`
	IncidentID string          `json:"incident_id" validate:"required"`
	Actions    []PlannedAction `json:"actions" validate:"required,min=1,dive"`
}

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	ActionID        string `json:"action_id,omitempty"`
	Order           int    `json:"order"`
	ActionType      string `json:"action_type" validate:"required"`
	ExecutionStatus string `json:"execution_status" validate:"required,oneof=completed failed skipped"`
	ErrorMessage    string `json:"error_message,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
}

// ExecuteResponse carries the execution outcome.
type ExecuteResponse struct {
	Status           string         `json:"status" validate:"required,oneof=completed partial_failure failed"`
	ActionsCompleted *int           `json:"actions_completed" validate:"required,gte=0"`
	ActionResults    []ActionResult `json:"action_results" validate:"dive"`
}

// VerifyRequest asks the Verifier to confirm remediation took hold.
type VerifyRequest struct {
	Task             string             `json:"task" validate:"required,eq=verify_resolution"`
	IncidentID       string             `json:"incident_id" validate:"required"`
	AffectedServices []string           `json:"affected_services" validate:"required,min=1"`
	SuccessCriteria  []SuccessCriterion `json:"success_criteria" validate:"required,min=1,dive"`
}

// CriterionResult is the evaluation of one success criterion.
type CriterionResult struct {
	Metric          string  `json:"metric"`
	ServiceName     string  `json:"service_name"`
	Operator        string  `json:"operator"`
	Threshold       float64 `json:"threshold"`
	CurrentValue    float64 `json:"current_value"`
	BaselineVerdict *bool   `json:"baseline_verdict,omitempty"`
	Passed          bool    `json:"passed"`
}

// VerifyResponse carries the verification verdict. A failed verification
// must name why: passed=false requires failure_analysis (enforced by a
// struct-level rule).
type VerifyResponse struct {
	Passed          *bool             `json:"passed" validate:"required"`
	HealthScore     *float64          `json:"health_score" validate:"required,gte=0,lte=1"`
	CriteriaResults []CriterionResult `json:"criteria_results"`
	FailureAnalysis string            `json:"failure_analysis,omitempty"`
	Iteration       int               `json:"iteration"`
}
