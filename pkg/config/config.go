// Package config loads Vigil's runtime configuration from the environment.
package config

import (
	"fmt"
	"time"
)

// Config holds all runtime settings for the orchestration core.
type Config struct {
	// Storage engine.
	ElasticsearchURL string
	ElasticAPIKey    string

	// Agent runtime base URL (agent cards resolve endpoints relative to it).
	KibanaURL string

	// Slack.
	SlackBotToken        string
	SlackSigningSecret   string
	SlackIncidentChannel string
	SlackApprovalChannel string

	// PagerDuty.
	PagerDutyRoutingKey string

	// GitHub webhook.
	GitHubWebhookSecret string

	// Pipeline tuning.
	SuppressThreshold     float64
	MaxReflections        int
	ApprovalTimeout       time.Duration
	ApprovalPollInterval  time.Duration
	VerificationDeadline  time.Duration
	StabilizationWait     time.Duration
	HealthScoreThreshold  float64
	ExecutionDeadline     time.Duration
	ExecApprovalTimeout   time.Duration
	ExecApprovalPollEvery time.Duration

	// Alert watcher.
	WatcherPollInterval   time.Duration
	WatcherBatchSize      int
	WatcherMaxFailures    int
	WatcherBackoffCeiling time.Duration

	// Analyst scheduler.
	RetrospectiveDeadline time.Duration
	LearningDedupTTL      time.Duration
	ReportExecDailyCron   string
	ReportHealthDailyCron string

	ToolDefinitionsDir string
	HTTPPort           string
}

// Load reads configuration from the environment, applying documented defaults.
// It fails on malformed values rather than silently falling back.
func Load() (*Config, error) {
	cfg := &Config{
		ElasticsearchURL:      StringEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
		ElasticAPIKey:         StringEnv("ELASTIC_API_KEY", ""),
		KibanaURL:             StringEnv("KIBANA_URL", "http://localhost:5601"),
		SlackBotToken:         StringEnv("SLACK_BOT_TOKEN", ""),
		SlackSigningSecret:    StringEnv("SLACK_SIGNING_SECRET", ""),
		SlackIncidentChannel:  StringEnv("SLACK_INCIDENT_CHANNEL", ""),
		SlackApprovalChannel:  StringEnv("SLACK_APPROVAL_CHANNEL", ""),
		PagerDutyRoutingKey:   StringEnv("PAGERDUTY_ROUTING_KEY", ""),
		GitHubWebhookSecret:   StringEnv("GITHUB_WEBHOOK_SECRET", ""),
		ReportExecDailyCron:   StringEnv("REPORT_EXEC_DAILY_SCHEDULE", "0 8 * * *"),
		ReportHealthDailyCron: StringEnv("REPORT_HEALTH_DAILY_SCHEDULE", "30 8 * * *"),
		ToolDefinitionsDir:    StringEnv("VIGIL_TOOL_DEFINITIONS_DIR", "./deploy/tools"),
		HTTPPort:              StringEnv("HTTP_PORT", "8080"),
	}

	var err error
	if cfg.SuppressThreshold, err = FloatEnv("SUPPRESS_THRESHOLD", 0.4); err != nil {
		return nil, err
	}
	if cfg.MaxReflections, err = IntEnv("MAX_REFLECTIONS", 3); err != nil {
		return nil, err
	}
	approvalMinutes, err := IntEnv("APPROVAL_TIMEOUT_MINUTES", 15)
	if err != nil {
		return nil, err
	}
	cfg.ApprovalTimeout = time.Duration(approvalMinutes) * time.Minute
	if cfg.ApprovalPollInterval, err = DurationEnv("VIGIL_APPROVAL_POLL_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.VerificationDeadline, err = DurationEnv("VIGIL_VERIFICATION_DEADLINE_MS", 50*time.Second); err != nil {
		return nil, err
	}
	stabilizationSeconds, err := IntEnv("VIGIL_STABILIZATION_WAIT_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	cfg.StabilizationWait = time.Duration(stabilizationSeconds) * time.Second
	if cfg.HealthScoreThreshold, err = FloatEnv("VIGIL_HEALTH_SCORE_THRESHOLD", 0.8); err != nil {
		return nil, err
	}
	if cfg.ExecutionDeadline, err = DurationEnv("VIGIL_EXECUTION_DEADLINE_MS", 50*time.Second); err != nil {
		return nil, err
	}
	execApprovalMinutes, err := IntEnv("VIGIL_EXEC_APPROVAL_TIMEOUT_MINUTES", 15)
	if err != nil {
		return nil, err
	}
	cfg.ExecApprovalTimeout = time.Duration(execApprovalMinutes) * time.Minute
	if cfg.ExecApprovalPollEvery, err = DurationEnv("VIGIL_EXEC_APPROVAL_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.WatcherPollInterval, err = DurationEnv("VIGIL_WATCHER_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.WatcherBatchSize, err = IntEnv("VIGIL_WATCHER_BATCH_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.WatcherMaxFailures, err = IntEnv("VIGIL_WATCHER_MAX_CONSECUTIVE_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.WatcherBackoffCeiling, err = DurationEnv("VIGIL_WATCHER_BACKOFF_CEILING", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetrospectiveDeadline, err = DurationEnv("VIGIL_RETROSPECTIVE_DEADLINE_MS", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LearningDedupTTL, err = DurationEnv("VIGIL_LEARNING_DEDUP_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.SuppressThreshold < 0 || c.SuppressThreshold > 1 {
		return fmt.Errorf("SUPPRESS_THRESHOLD must be in [0,1], got %v", c.SuppressThreshold)
	}
	if c.HealthScoreThreshold < 0 || c.HealthScoreThreshold > 1 {
		return fmt.Errorf("VIGIL_HEALTH_SCORE_THRESHOLD must be in [0,1], got %v", c.HealthScoreThreshold)
	}
	if c.MaxReflections < 0 {
		return fmt.Errorf("MAX_REFLECTIONS must be >= 0, got %d", c.MaxReflections)
	}
	if c.WatcherBatchSize <= 0 {
		return fmt.Errorf("VIGIL_WATCHER_BATCH_SIZE must be > 0, got %d", c.WatcherBatchSize)
	}
	return nil
}
