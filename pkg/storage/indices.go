package storage

// Index names persisted by the runtime.
const (
	IndexIncidents         = "incidents"
	IndexAlerts            = "alerts-*"
	IndexActions           = "actions"
	IndexApprovalResponses = "approval-responses"
	IndexAgentTelemetry    = "agent-telemetry"
	IndexWatcherTelemetry  = "watcher-telemetry"
	IndexReports           = "reports"
	IndexLearnings         = "learnings"
	IndexRunbooks          = "runbooks"
	IndexBaselines         = "baselines"
	IndexGitHubEvents      = "github-events"
)
