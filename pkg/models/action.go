package models

// Execution statuses recorded per action attempt.
const (
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionSkipped   = "skipped"
)

// ActionRecord is the append-only audit record for one action attempt.
type ActionRecord struct {
	ActionID     string `json:"action_id"`
	IncidentID   string `json:"incident_id"`
	ActionType   string `json:"action_type"`
	TargetSystem string `json:"target_system"`
	TargetAsset  string `json:"target_asset,omitempty"`
	Description  string `json:"description,omitempty"`

	ApprovalRequired bool   `json:"approval_required"`
	ApprovalStatus   string `json:"approval_status,omitempty"`
	ApprovedBy       string `json:"approved_by,omitempty"`

	ExecutionStatus string `json:"execution_status"`
	StartedAt       string `json:"started_at,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
	ErrorMessage    string `json:"error_message,omitempty"`

	RollbackAvailable bool   `json:"rollback_available"`
	WorkflowID        string `json:"workflow_id,omitempty"`
}

// ApprovalResponse is written by the approval webhook and polled by the
// Executor's approval gate.
type ApprovalResponse struct {
	IncidentID string `json:"incident_id"`
	ActionID   string `json:"action_id,omitempty"`
	Value      string `json:"value"` // approve | reject | more_info
	Approver   string `json:"approver,omitempty"`
	Timestamp  string `json:"timestamp"`
}
