package integrations

import (
	"context"
	"log/slog"

	"github.com/vigil-soc/vigil/pkg/incident"
)

// pagedSeverities are the severities that wake a human in addition to the
// Slack announcement.
var pagedSeverities = map[string]struct{}{
	"critical": {},
	"high":     {},
}

// Notifier fans incident lifecycle events out to Slack and PagerDuty. Either
// adapter may be nil (unconfigured); delivery failures are logged by the
// adapters and never propagate to the pipeline.
type Notifier struct {
	slack     *SlackNotifier
	pagerduty *PagerDuty
	logger    *slog.Logger
}

// NewNotifier composes the configured adapters.
func NewNotifier(slackNotifier *SlackNotifier, pd *PagerDuty) *Notifier {
	return &Notifier{
		slack:     slackNotifier,
		pagerduty: pd,
		logger:    slog.Default().With("component", "notifier"),
	}
}

func (n *Notifier) IncidentCreated(ctx context.Context, inc *incident.Incident) {
	if n.slack != nil {
		_ = n.slack.PostIncidentCreated(ctx, inc)
	}
}

func (n *Notifier) IncidentEscalated(ctx context.Context, inc *incident.Incident, reason string) {
	if n.slack != nil {
		_ = n.slack.PostIncidentEscalated(ctx, inc, reason)
	}
	if n.pagerduty == nil {
		return
	}
	if _, paged := pagedSeverities[inc.Severity]; !paged {
		n.logger.Info("Escalation below paging severity, Slack only",
			"incident_id", inc.IncidentID, "severity", inc.Severity)
		return
	}
	_ = n.pagerduty.TriggerIncident(ctx, inc, reason)
}

func (n *Notifier) IncidentResolved(ctx context.Context, inc *incident.Incident) {
	if n.slack != nil {
		_ = n.slack.PostIncidentResolved(ctx, inc)
	}
}
