// Package models holds the document shapes persisted by the runtime.
package models

// Alert is an input detection event. The two marker fields govern the
// watcher: _processing_started_at is set atomically when a worker claims the
// alert, processed_at when the pipeline finishes.
type Alert struct {
	AlertID          string `json:"alert_id"`
	RuleID           string `json:"rule_id"`
	SeverityOriginal string `json:"severity_original"`
	Timestamp        string `json:"timestamp"`

	SourceIP        string `json:"source_ip,omitempty"`
	SourceUser      string `json:"source_user,omitempty"`
	AffectedAssetID string `json:"affected_asset_id,omitempty"`
	Description     string `json:"description,omitempty"`

	ProcessingStartedAt string `json:"_processing_started_at,omitempty"`
	ProcessedAt         string `json:"processed_at,omitempty"`
}
