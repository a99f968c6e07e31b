// Package coordinator drives the incident pipeline: the alert watcher claims
// detections, delegation routes them through the specialist agents, and the
// reflection loop retries remediation until it verifies or the cap forces an
// escalation.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vigil-soc/vigil/pkg/a2a"
	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/ident"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/telemetry"
)

// fromAgent identifies the coordinator in every envelope it emits.
const fromAgent = "vigil-coordinator"

// Specialist and workflow agent ids.
const (
	agentTriage       = "triage"
	agentInvestigator = "investigator"
	agentThreatHunter = "threat-hunter"
	agentCommander    = "commander"
	agentExecutor     = "executor"
	agentVerifier     = "verifier"
	agentApproval     = "workflow-approval"
	agentNotify       = "workflow-notification"
	agentReporter     = "workflow-reporting"
)

// AgentCaller is the transport surface the coordinator needs from the A2A
// router.
type AgentCaller interface {
	Send(ctx context.Context, agentID string, env *a2a.Envelope, opts a2a.SendOptions) (json.RawMessage, error)
}

// Notifier receives incident lifecycle notifications. All calls are
// fire-and-forget from the coordinator's point of view.
type Notifier interface {
	IncidentCreated(ctx context.Context, inc *incident.Incident)
	IncidentEscalated(ctx context.Context, inc *incident.Incident, reason string)
	IncidentResolved(ctx context.Context, inc *incident.Incident)
}

// Coordinator orchestrates one incident pipeline per claimed alert.
type Coordinator struct {
	cfg      *config.Config
	store    storage.Store
	machine  *incident.Machine
	agents   AgentCaller
	tele     *telemetry.Writer
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	onResolved func(ctx context.Context, incidentID string)
}

// New creates a coordinator. notifier may be nil.
func New(cfg *config.Config, store storage.Store, machine *incident.Machine, agents AgentCaller, tele *telemetry.Writer, notifier Notifier) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		machine:  machine,
		agents:   agents,
		tele:     tele,
		notifier: notifier,
		logger:   slog.Default().With("component", "coordinator"),
		now:      time.Now,
	}
}

// OnResolved registers a hook invoked after each terminal resolved
// transition. Set it before the watcher starts.
func (c *Coordinator) OnResolved(fn func(ctx context.Context, incidentID string)) {
	c.onResolved = fn
}

// call wraps a payload in an envelope, sends it, and decodes the response.
func (c *Coordinator) call(ctx context.Context, agentID, correlationID string, payload, out any) error {
	env, err := a2a.NewEnvelope(fromAgent, agentID, correlationID, payload)
	if err != nil {
		return err
	}
	body, err := c.agents.Send(ctx, agentID, env, a2a.SendOptions{})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", agentID, err)
	}
	return nil
}

// notify sends a fire-and-forget envelope to a workflow agent. Failures are
// logged, never propagated.
func (c *Coordinator) notify(ctx context.Context, agentID, correlationID string, payload any) {
	env, err := a2a.NewEnvelope(fromAgent, agentID, correlationID, payload)
	if err != nil {
		c.logger.Warn("Failed to build notification envelope", "agent_id", agentID, "error", err)
		return
	}
	if _, err := c.agents.Send(ctx, agentID, env, a2a.SendOptions{}); err != nil {
		c.logger.Warn("Notification envelope failed", "agent_id", agentID, "error", err)
	}
}

// ProcessAlert runs the full pipeline for one claimed alert. raw is the
// alert's unparsed source, forwarded to triage and mined for operational
// context. The alert's processed marker is set exactly once on return.
func (c *Coordinator) ProcessAlert(ctx context.Context, alert *models.Alert, raw map[string]any) {
	logger := c.logger.With("alert_id", alert.AlertID, "rule_id", alert.RuleID)
	logger.Info("Processing alert")

	var err error
	if isOperationalRule(alert.RuleID) {
		err = c.runOperationalFlow(ctx, alert, raw)
	} else {
		err = c.runSecurityFlow(ctx, alert, raw)
	}
	if err != nil {
		logger.Error("Alert pipeline failed", "error", err)
	} else {
		logger.Info("Alert pipeline finished")
	}
}

// isOperationalRule classifies by rule id prefix; everything that is not an
// operational detection is treated as security.
func isOperationalRule(ruleID string) bool {
	return strings.HasPrefix(ruleID, "sentinel-") || strings.HasPrefix(ruleID, "ops-")
}

// createIncident writes a new detected incident for the alert.
func (c *Coordinator) createIncident(ctx context.Context, alert *models.Alert, incidentType, severity string, priority float64) (*incident.Incident, error) {
	inc := &incident.Incident{
		IncidentID:    ident.NewIncidentID(),
		IncidentType:  incidentType,
		Severity:      severity,
		RuleID:        alert.RuleID,
		PriorityScore: priority,
		AlertIDs:      []string{alert.AlertID},
	}
	if err := c.machine.Create(ctx, inc); err != nil {
		return nil, err
	}
	if c.notifier != nil {
		c.notifier.IncidentCreated(ctx, inc)
	}
	return inc, nil
}

// finishResolved reports and notifies after a terminal resolved transition.
func (c *Coordinator) finishResolved(ctx context.Context, inc *incident.Incident) {
	c.writeReport(ctx, inc)
	if c.notifier != nil {
		c.notifier.IncidentResolved(ctx, inc)
	}
	if c.onResolved != nil {
		c.onResolved(ctx, inc.IncidentID)
	}
	telemetry.ObserveHealthScore(latestHealthScore(inc))
}

func latestHealthScore(inc *incident.Incident) float64 {
	if v := inc.LatestVerification(); v != nil {
		return v.HealthScore
	}
	return 0
}
