package models

import "encoding/json"

// Baseline is a per-service statistical record consumed by the Verifier.
type Baseline struct {
	ServiceName string  `json:"service_name"`
	MetricName  string  `json:"metric_name"`
	AvgValue    float64 `json:"avg_value"`
	StddevValue float64 `json:"stddev_value"`
}

// LearningRecord is written by the Analyst. The runtime treats the content
// as opaque; only the generation fields participate in dedup.
type LearningRecord struct {
	IncidentID  string          `json:"incident_id,omitempty"`
	Kind        string          `json:"kind"` // retrospective | daily_batch
	GeneratedAt string          `json:"generated_at"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// Report is the incident report assembled on resolution.
type Report struct {
	IncidentID       string         `json:"incident_id"`
	IncidentType     string         `json:"incident_type"`
	Severity         string         `json:"severity"`
	ResolutionType   string         `json:"resolution_type,omitempty"`
	ReflectionCount  int            `json:"reflection_count"`
	AffectedServices []string       `json:"affected_services,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	TimingMS         map[string]int64 `json:"timing_ms,omitempty"` // ttd/tti/ttr/ttv
	CreatedAt        string         `json:"created_at"`
}

// GitHubEvent is a deployment-relevant event indexed by the webhook server.
type GitHubEvent struct {
	EventType  string          `json:"event_type"`
	DeliveryID string          `json:"delivery_id,omitempty"`
	Repository string          `json:"repository,omitempty"`
	Ref        string          `json:"ref,omitempty"`
	SHA        string          `json:"sha,omitempty"`
	Sender     string          `json:"sender,omitempty"`
	ReceivedAt string          `json:"received_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
