package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/resilience"
	"github.com/vigil-soc/vigil/pkg/retry"
)

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// pdSeverity maps Vigil severities onto the Events API scale.
func pdSeverity(severity string) string {
	switch severity {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "medium":
		return "warning"
	case "low":
		return "info"
	default:
		return "error"
	}
}

// PagerDuty pages on-call humans through the Events API v2.
type PagerDuty struct {
	routingKey string
	endpoint   string
	httpClient *http.Client
	breaker    *resilience.ConsecutiveBreaker
	logger     *slog.Logger
	retryOpts  retry.Options
}

// NewPagerDuty creates the adapter.
func NewPagerDuty(cfg *config.Config, breakers *resilience.Registry) *PagerDuty {
	return &PagerDuty{
		routingKey: cfg.PagerDutyRoutingKey,
		endpoint:   pagerDutyEventsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breakers.Consecutive("pagerduty"),
		logger:     slog.Default().With("component", "pagerduty"),
		retryOpts: retry.Options{
			MaxAttempts: 3,
			Policy:      retry.PolicyExponential,
			Initial:     time.Second,
			Retryable:   retryableAndNotOpen,
		},
	}
}

type pdEvent struct {
	RoutingKey  string    `json:"routing_key"`
	EventAction string    `json:"event_action"`
	DedupKey    string    `json:"dedup_key"`
	Payload     pdPayload `json:"payload"`
}

type pdPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

// TriggerIncident pages for one escalated incident. The dedup key pins all
// pages for an incident to a single PagerDuty alert.
func (p *PagerDuty) TriggerIncident(ctx context.Context, inc *incident.Incident, reason string) error {
	event := pdEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    "vigil-" + inc.IncidentID,
		Payload: pdPayload{
			Summary:  fmt.Sprintf("Vigil incident %s escalated: %s", inc.IncidentID, reason),
			Source:   "vigil",
			Severity: pdSeverity(inc.Severity),
			CustomDetails: map[string]any{
				"incident_type":     inc.IncidentType,
				"rule_id":           inc.RuleID,
				"escalation_reason": reason,
			},
		},
	}

	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		err := p.breaker.Execute(func() error {
			return p.send(ctx, &event)
		}, IsRetryable)
		return struct{}{}, err
	}, p.retryOpts)
	if err != nil {
		p.logger.Warn("PagerDuty trigger failed",
			"incident_id", inc.IncidentID, "error", err)
	}
	return err
}

func (p *PagerDuty) send(ctx context.Context, event *pdEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return &IntegrationError{Service: "pagerduty", Op: "enqueue", Retryable: false, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return &IntegrationError{Service: "pagerduty", Op: "enqueue", Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &IntegrationError{Service: "pagerduty", Op: "enqueue", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		summary, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &IntegrationError{
			Service:    "pagerduty",
			Op:         "enqueue",
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode >= 500,
			Err:        fmt.Errorf("events API refused: %s", summary),
		}
	}
	return nil
}
