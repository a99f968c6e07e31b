package incident

// VerificationResult is one verifier outcome. Reflection appends; the list
// is never truncated.
type VerificationResult struct {
	Passed          bool    `json:"passed"`
	HealthScore     float64 `json:"health_score"`
	FailureAnalysis string  `json:"failure_analysis,omitempty"`
	Iteration       int     `json:"iteration"`
	Timestamp       string  `json:"timestamp"`
}

// Incident is the central document, keyed by incident_id.
type Incident struct {
	IncidentID       string   `json:"incident_id"`
	Status           State    `json:"status"`
	IncidentType     string   `json:"incident_type"`
	Severity         string   `json:"severity"`
	RuleID           string   `json:"rule_id,omitempty"`
	PriorityScore    float64  `json:"priority_score,omitempty"`
	AlertIDs         []string `json:"alert_ids"`
	AffectedServices []string `json:"affected_services,omitempty"`

	InvestigationSummary string               `json:"investigation_summary,omitempty"`
	RemediationPlan      map[string]any       `json:"remediation_plan,omitempty"`
	VerificationResults  []VerificationResult `json:"verification_results,omitempty"`

	ReflectionCount     int    `json:"reflection_count"`
	EscalationTriggered bool   `json:"escalation_triggered"`
	EscalationReason    string `json:"escalation_reason,omitempty"`
	ApprovalStatus      string `json:"approval_status,omitempty"`

	ResolutionType string `json:"resolution_type,omitempty"`
	ResolvedAt     string `json:"resolved_at,omitempty"`

	CreatedAt string `json:"created_at"`
	// StateTimestamps maps each state to its first-entry time. First write
	// wins; re-entering a state never overwrites the original timestamp.
	StateTimestamps map[string]string `json:"_state_timestamps"`

	TimingMetrics map[string]int64 `json:"timing_metrics,omitempty"`
}

// Incident types.
const (
	TypeSecurity    = "security"
	TypeOperational = "operational"
)

// Approval statuses written by the approval webhook and polled by the
// coordinator.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// LatestVerification returns the most recent verifier outcome, nil if the
// incident has never been verified.
func (i *Incident) LatestVerification() *VerificationResult {
	if len(i.VerificationResults) == 0 {
		return nil
	}
	return &i.VerificationResults[len(i.VerificationResults)-1]
}
