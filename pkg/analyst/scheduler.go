// Package analyst schedules the learning and reporting generators: a
// per-incident retrospective fired on resolution, plus daily batch reports on
// cron schedules. The generators themselves are external agents; this package
// owns when they run, dedup, deadline isolation, and the run status trail.
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vigil-soc/vigil/pkg/a2a"
	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/deadline"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
)

const fromAgent = "vigil-analyst-scheduler"

const (
	agentAnalyst  = "analyst"
	agentReporter = "workflow-reporting"
)

// Job names recorded on run status documents.
const (
	jobRetrospective = "retrospective"
	jobExecDaily     = "report_exec_daily"
	jobHealthDaily   = "report_health_daily"
)

// Run outcomes.
const (
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped_dedup"
	outcomeError     = "error"
	outcomeDeadline  = "deadline_exceeded"
)

// RunStatus is the per-run audit document written to the learnings index.
type RunStatus struct {
	Kind        string `json:"kind"` // always run_status
	Job         string `json:"job"`
	IncidentID  string `json:"incident_id,omitempty"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	GeneratedAt string `json:"generated_at"`
}

// AgentCaller is the transport surface the scheduler needs.
type AgentCaller interface {
	Send(ctx context.Context, agentID string, env *a2a.Envelope, opts a2a.SendOptions) (json.RawMessage, error)
}

// Scheduler runs the analyst and reporting generators on their triggers.
type Scheduler struct {
	cfg    *config.Config
	store  storage.Store
	agents AgentCaller
	logger *slog.Logger
	now    func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Daily jobs are registered on Start.
func New(cfg *config.Config, store storage.Store, agents AgentCaller) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		agents: agents,
		logger: slog.Default().With("component", "analyst-scheduler"),
		now:    time.Now,
	}
}

// Start registers the daily batch jobs and starts the cron loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.ReportExecDailyCron, func() {
		s.runDaily(ctx, jobExecDaily)
	}); err != nil {
		return fmt.Errorf("bad exec-daily schedule %q: %w", s.cfg.ReportExecDailyCron, err)
	}
	if _, err := c.AddFunc(s.cfg.ReportHealthDailyCron, func() {
		s.runDaily(ctx, jobHealthDaily)
	}); err != nil {
		return fmt.Errorf("bad health-daily schedule %q: %w", s.cfg.ReportHealthDailyCron, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info("Analyst scheduler started",
		"exec_daily", s.cfg.ReportExecDailyCron, "health_daily", s.cfg.ReportHealthDailyCron)
	return nil
}

// Stop halts the cron loop and waits for in-flight runs to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Analyst scheduler stopped")
}

// OnIncidentResolved enqueues the retrospective for one incident. The run is
// asynchronous and deadline-isolated; a slow or broken generator never blocks
// the caller's resolution path.
func (s *Scheduler) OnIncidentResolved(ctx context.Context, incidentID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runRetrospective(ctx, incidentID)
	}()
}

func (s *Scheduler) runRetrospective(ctx context.Context, incidentID string) {
	started := s.now()

	recent, err := s.hasRecentLearning(ctx, incidentID)
	if err != nil {
		s.logger.Warn("Learning dedup check failed, generating anyway",
			"incident_id", incidentID, "error", err)
	}
	if recent {
		s.logger.Info("Retrospective suppressed by dedup TTL",
			"incident_id", incidentID, "ttl", s.cfg.LearningDedupTTL)
		s.writeStatus(ctx, jobRetrospective, incidentID, outcomeSkipped, nil, started)
		return
	}

	content, err := deadline.Run(ctx, s.cfg.RetrospectiveDeadline, func(ctx context.Context) (json.RawMessage, error) {
		return s.callGenerator(ctx, agentAnalyst, map[string]any{
			"task":        "generate_retrospective",
			"incident_id": incidentID,
		}, incidentID)
	})
	if err != nil {
		outcome := outcomeError
		if deadline.IsExceeded(err) {
			outcome = outcomeDeadline
		}
		s.logger.Warn("Retrospective generation failed",
			"incident_id", incidentID, "outcome", outcome, "error", err)
		s.writeStatus(ctx, jobRetrospective, incidentID, outcome, err, started)
		return
	}

	learning := models.LearningRecord{
		IncidentID:  incidentID,
		Kind:        "retrospective",
		GeneratedAt: s.now().UTC().Format(time.RFC3339),
		Content:     content,
	}
	if err := s.store.Index(ctx, storage.IndexLearnings, "", learning); err != nil {
		s.logger.Warn("Failed to index learning record",
			"incident_id", incidentID, "error", err)
		s.writeStatus(ctx, jobRetrospective, incidentID, outcomeError, err, started)
		return
	}
	s.writeStatus(ctx, jobRetrospective, incidentID, outcomeCompleted, nil, started)
}

// hasRecentLearning reports whether a retrospective for this incident was
// generated inside the dedup TTL window.
func (s *Scheduler) hasRecentLearning(ctx context.Context, incidentID string) (bool, error) {
	cutoff := s.now().UTC().Add(-s.cfg.LearningDedupTTL).Format(time.RFC3339)
	res, err := s.store.Search(ctx, storage.IndexLearnings, map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"incident_id": incidentID}},
					{"term": map[string]any{"kind": "retrospective"}},
					{"range": map[string]any{"generated_at": map[string]any{"gte": cutoff}}},
				},
			},
		},
	}, &storage.SearchOptions{Size: 1})
	if err != nil {
		return false, err
	}
	return res.Total > 0, nil
}

func (s *Scheduler) runDaily(ctx context.Context, job string) {
	started := s.now()
	_, err := deadline.Run(ctx, s.cfg.RetrospectiveDeadline, func(ctx context.Context) (json.RawMessage, error) {
		return s.callGenerator(ctx, agentReporter, map[string]any{"task": job}, "")
	})
	if err != nil {
		outcome := outcomeError
		if deadline.IsExceeded(err) {
			outcome = outcomeDeadline
		}
		s.logger.Warn("Daily batch job failed", "job", job, "outcome", outcome, "error", err)
		s.writeStatus(ctx, job, "", outcome, err, started)
		return
	}
	s.writeStatus(ctx, job, "", outcomeCompleted, nil, started)
}

func (s *Scheduler) callGenerator(ctx context.Context, agentID string, payload map[string]any, correlationID string) (json.RawMessage, error) {
	if correlationID == "" {
		correlationID = fmt.Sprintf("batch-%s", s.now().UTC().Format("2006-01-02"))
	}
	env, err := a2a.NewEnvelope(fromAgent, agentID, correlationID, payload)
	if err != nil {
		return nil, err
	}
	return s.agents.Send(ctx, agentID, env, a2a.SendOptions{})
}

// writeStatus appends the run status document. Failures are swallowed: the
// status trail never changes a run outcome.
func (s *Scheduler) writeStatus(ctx context.Context, job, incidentID, outcome string, runErr error, started time.Time) {
	status := RunStatus{
		Kind:        "run_status",
		Job:         job,
		IncidentID:  incidentID,
		Outcome:     outcome,
		DurationMS:  s.now().Sub(started).Milliseconds(),
		GeneratedAt: s.now().UTC().Format(time.RFC3339),
	}
	if runErr != nil {
		status.Error = runErr.Error()
	}
	if err := s.store.Index(ctx, storage.IndexLearnings, "", status); err != nil {
		s.logger.Warn("Failed to write run status", "job", job, "error", err)
	}
}
