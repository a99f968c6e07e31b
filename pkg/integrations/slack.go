package integrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/resilience"
	"github.com/vigil-soc/vigil/pkg/retry"
)

// Slack errors that mean the credentials are bad; retrying cannot help.
var slackAuthErrors = map[string]struct{}{
	"invalid_auth":     {},
	"not_authed":       {},
	"token_revoked":    {},
	"account_inactive": {},
}

// SlackNotifier posts incident lifecycle messages and approval prompts.
type SlackNotifier struct {
	client          *slack.Client
	breaker         *resilience.ConsecutiveBreaker
	incidentChannel string
	approvalChannel string
	logger          *slog.Logger
	retryOpts       retry.Options
}

// NewSlackNotifier creates the adapter. Extra slack options (API URL
// overrides and the like) are passed through to the client.
func NewSlackNotifier(cfg *config.Config, breakers *resilience.Registry, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:          slack.New(cfg.SlackBotToken, opts...),
		breaker:         breakers.Consecutive("slack"),
		incidentChannel: cfg.SlackIncidentChannel,
		approvalChannel: cfg.SlackApprovalChannel,
		logger:          slog.Default().With("component", "slack"),
		retryOpts: retry.Options{
			MaxAttempts: 3,
			Policy:      retry.PolicyFixed,
			Initial:     time.Second,
			Retryable:   retryableAndNotOpen,
		},
	}
}

func retryableAndNotOpen(err error) bool {
	return !errors.Is(err, resilience.ErrOpen) && IsRetryable(err)
}

// PostIncidentCreated announces a new incident on the incident channel.
func (s *SlackNotifier) PostIncidentCreated(ctx context.Context, inc *incident.Incident) error {
	text := fmt.Sprintf(":rotating_light: Incident *%s* opened (%s, severity %s) for rule `%s`",
		inc.IncidentID, inc.IncidentType, inc.Severity, inc.RuleID)
	return s.post(ctx, s.incidentChannel, slack.MsgOptionText(text, false))
}

// PostIncidentEscalated announces an escalation with its reason.
func (s *SlackNotifier) PostIncidentEscalated(ctx context.Context, inc *incident.Incident, reason string) error {
	text := fmt.Sprintf(":warning: Incident *%s* escalated to a human (reason: %s, severity %s)",
		inc.IncidentID, reason, inc.Severity)
	return s.post(ctx, s.incidentChannel, slack.MsgOptionText(text, false))
}

// PostIncidentResolved announces a resolution with the verification score.
func (s *SlackNotifier) PostIncidentResolved(ctx context.Context, inc *incident.Incident) error {
	text := fmt.Sprintf(":white_check_mark: Incident *%s* resolved (%s)",
		inc.IncidentID, inc.ResolutionType)
	if v := inc.LatestVerification(); v != nil {
		text += fmt.Sprintf(" — health score %.2f", v.HealthScore)
	}
	return s.post(ctx, s.incidentChannel, slack.MsgOptionText(text, false))
}

// PostApprovalRequest posts the Block-Kit approval prompt whose button
// action ids the approval callback endpoint parses.
func (s *SlackNotifier) PostApprovalRequest(ctx context.Context, incidentID, actionID, actionType, description, severity string) error {
	header := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf("*Approval required* for incident *%s*\n%s action on `%s` severity: %s",
			incidentID, actionType, description, severity), false, false), nil, nil)
	buttons := slack.NewActionBlock("vigil_approval",
		slack.NewButtonBlockElement("vigil_approve_"+incidentID, actionID,
			slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)),
		slack.NewButtonBlockElement("vigil_reject_"+incidentID, actionID,
			slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false)),
		slack.NewButtonBlockElement("vigil_info_"+incidentID, actionID,
			slack.NewTextBlockObject(slack.PlainTextType, "More info", false, false)),
	)
	return s.post(ctx, s.approvalChannel, slack.MsgOptionBlocks(header, buttons))
}

// post sends one message under the breaker, retrying retryable failures.
func (s *SlackNotifier) post(ctx context.Context, channel string, opts ...slack.MsgOption) error {
	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		err := s.breaker.Execute(func() error {
			_, _, err := s.client.PostMessageContext(ctx, channel, opts...)
			return s.classify(err)
		}, IsRetryable)
		return struct{}{}, err
	}, s.retryOpts)
	if err != nil {
		s.logger.Warn("Slack post failed", "channel", channel, "error", err)
	}
	return err
}

// classify maps slack-go errors onto the retry taxonomy: 401/auth errors are
// non-retryable, 429 and rate_limited are retryable with the service's
// backoff window, any other API refusal is non-retryable.
func (s *SlackNotifier) classify(err error) error {
	if err == nil {
		return nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return &IntegrationError{
			Service:    "slack",
			Op:         "chat.postMessage",
			StatusCode: 429,
			Retryable:  true,
			RetryAfter: rle.RetryAfter,
			Err:        err,
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "rate_limited") {
		return &IntegrationError{Service: "slack", Op: "chat.postMessage", Retryable: true, Err: err}
	}
	if _, ok := slackAuthErrors[msg]; ok {
		return &IntegrationError{Service: "slack", Op: "chat.postMessage", StatusCode: 401, Retryable: false, Err: err}
	}
	var sce slack.StatusCodeError
	if errors.As(err, &sce) {
		return &IntegrationError{
			Service:    "slack",
			Op:         "chat.postMessage",
			StatusCode: sce.Code,
			Retryable:  sce.Code >= 500,
			Err:        err,
		}
	}
	return &IntegrationError{Service: "slack", Op: "chat.postMessage", Retryable: false, Err: err}
}
