package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/telemetry"
)

// AlertProcessor consumes claimed alerts. The coordinator implements it; the
// indirection keeps the watcher testable without a full pipeline.
type AlertProcessor interface {
	ProcessAlert(ctx context.Context, alert *models.Alert, raw map[string]any)
}

// Watcher is the single-producer poll loop: it finds unclaimed alerts,
// claims them with a conditional write, and hands each claim to the
// processor on its own goroutine so polling never blocks on a pipeline.
type Watcher struct {
	cfg       *config.Config
	store     storage.Store
	processor AlertProcessor
	tele      *telemetry.Writer
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	consecutiveFailures int
	backoff             time.Duration
}

// NewWatcher creates an alert watcher.
func NewWatcher(cfg *config.Config, store storage.Store, processor AlertProcessor, tele *telemetry.Writer) *Watcher {
	return &Watcher{
		cfg:       cfg,
		store:     store,
		processor: processor,
		tele:      tele,
		logger:    slog.Default().With("component", "alert-watcher"),
		now:       time.Now,
	}
}

// Start launches the poll loop. Repeated starts are idempotent no-ops while
// the watcher is running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Info("Alert watcher already running, ignoring start")
		return
	}
	w.running = true
	w.consecutiveFailures = 0
	w.backoff = 0

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx)
	w.logger.Info("Alert watcher started",
		"poll_interval", w.cfg.WatcherPollInterval,
		"batch_size", w.cfg.WatcherBatchSize)
}

// Stop halts polling and waits for in-flight pipelines to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.wg.Wait()
	w.logger.Info("Alert watcher stopped")
}

// Running reports whether the poll loop is active. A watcher that tripped
// its failure limit reports false and must be restarted externally.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		close(w.done)
		w.mu.Unlock()
	}()

	for {
		wait := w.cfg.WatcherPollInterval
		w.mu.Lock()
		if w.backoff > 0 {
			wait = w.backoff
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if !w.pollOnce(ctx) {
			w.logger.Error("Alert watcher stopping after consecutive poll failures",
				"failures", w.cfg.WatcherMaxFailures)
			return
		}
	}
}

// pollOnce runs one poll cycle. Returns false when the consecutive failure
// limit tripped and the watcher must stop.
func (w *Watcher) pollOnce(ctx context.Context) bool {
	started := w.now()
	rec := telemetry.WatcherPollRecord{}

	result, err := w.store.Search(ctx, storage.IndexAlerts, unclaimedAlertsQuery(), &storage.SearchOptions{
		Size:             w.cfg.WatcherBatchSize,
		Sort:             []string{"timestamp:asc"},
		SeqNoPrimaryTerm: true,
	})
	if err != nil {
		return w.recordPollFailure(ctx, started, err)
	}

	rec.AlertsSeen = len(result.Hits)
	for i := range result.Hits {
		hit := result.Hits[i]
		if err := w.claim(ctx, &hit); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				rec.ClaimsLost++
				continue
			}
			w.logger.Warn("Alert claim failed", "alert_doc", hit.ID, "error", err)
			continue
		}
		rec.AlertsClaimed++

		var alert models.Alert
		var raw map[string]any
		if err := hit.Decode(&alert); err != nil {
			w.logger.Warn("Claimed alert does not decode", "alert_doc", hit.ID, "error", err)
			continue
		}
		if err := hit.Decode(&raw); err != nil {
			raw = map[string]any{}
		}

		w.wg.Add(1)
		go func(index, id string, alert models.Alert, raw map[string]any) {
			defer w.wg.Done()
			w.processor.ProcessAlert(ctx, &alert, raw)
			w.markProcessed(ctx, index, id)
		}(hit.Index, hit.ID, alert, raw)
	}

	w.mu.Lock()
	w.consecutiveFailures = 0
	w.backoff = 0
	w.mu.Unlock()

	rec.DurationMS = w.now().Sub(started).Milliseconds()
	w.tele.EmitWatcherPoll(ctx, rec)
	return true
}

// claim marks the alert as in-processing, conditional on the tokens the
// search returned. A conflict means another worker won the claim.
func (w *Watcher) claim(ctx context.Context, hit *storage.Document) error {
	return w.store.Update(ctx, hit.Index, hit.ID, map[string]any{
		"_processing_started_at": w.now().UTC().Format(time.RFC3339Nano),
	}, &storage.UpdateOptions{Token: hit.Token()})
}

// markProcessed is the best-effort follow-up write after the pipeline ends.
func (w *Watcher) markProcessed(ctx context.Context, index, id string) {
	err := w.store.Update(ctx, index, id, map[string]any{
		"processed_at": w.now().UTC().Format(time.RFC3339Nano),
	}, nil)
	if err != nil {
		w.logger.Warn("Failed to mark alert processed", "alert_doc", id, "error", err)
	}
}

func (w *Watcher) recordPollFailure(ctx context.Context, started time.Time, pollErr error) bool {
	w.mu.Lock()
	w.consecutiveFailures++
	failures := w.consecutiveFailures
	w.backoff = nextBackoff(w.backoff, w.cfg.WatcherPollInterval, w.cfg.WatcherBackoffCeiling)
	backoff := w.backoff
	w.mu.Unlock()

	w.logger.Warn("Alert poll failed",
		"error", pollErr, "consecutive_failures", failures, "backoff", backoff)
	w.tele.EmitWatcherPoll(ctx, telemetry.WatcherPollRecord{
		PollError:  pollErr.Error(),
		DurationMS: w.now().Sub(started).Milliseconds(),
	})
	return failures < w.cfg.WatcherMaxFailures
}

func nextBackoff(current, base, ceiling time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	current *= 2
	if current > ceiling {
		return ceiling
	}
	return current
}

// unclaimedAlertsQuery selects alerts that no worker has claimed or
// finished.
func unclaimedAlertsQuery() map[string]any {
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must_not": []map[string]any{
					{"exists": map[string]any{"field": "_processing_started_at"}},
					{"exists": map[string]any{"field": "processed_at"}},
				},
			},
		},
	}
}
