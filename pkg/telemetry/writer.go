// Package telemetry records operational events to the document store and
// exposes Prometheus metrics. Telemetry is strictly fire-and-forget: a write
// failure is logged and swallowed, never surfaced to the operation that
// produced the event.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/vigil-soc/vigil/pkg/storage"
)

// AgentCallRecord is one A2A call outcome, indexed to agent-telemetry.
type AgentCallRecord struct {
	MessageID  string `json:"message_id"`
	FromAgent  string `json:"from_agent"`
	ToAgent    string `json:"to_agent"`
	Task       string `json:"task,omitempty"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// A2A call statuses.
const (
	CallSuccess         = "success"
	CallError           = "error"
	CallTimeout         = "timeout"
	CallCardUnavailable = "card_unavailable"
)

// WatcherPollRecord is one watcher poll cycle, indexed to watcher-telemetry.
type WatcherPollRecord struct {
	AlertsSeen    int    `json:"alerts_seen"`
	AlertsClaimed int    `json:"alerts_claimed"`
	ClaimsLost    int    `json:"claims_lost"`
	PollError     string `json:"poll_error,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	Timestamp     string `json:"timestamp"`
}

// Writer indexes telemetry records into the document store.
type Writer struct {
	store  storage.Store
	logger *slog.Logger
}

// NewWriter creates a telemetry writer.
func NewWriter(store storage.Store) *Writer {
	return &Writer{
		store:  store,
		logger: slog.Default().With("component", "telemetry"),
	}
}

// Emit indexes one record. Errors are logged and swallowed so telemetry can
// never change the outcome of the operation being observed.
func (w *Writer) Emit(ctx context.Context, index string, record any) {
	if w == nil || w.store == nil {
		return
	}
	if err := w.store.Index(ctx, index, "", record); err != nil {
		w.logger.Warn("Failed to write telemetry record", "index", index, "error", err)
	}
}

// EmitAgentCall records one A2A call and updates the call metrics.
func (w *Writer) EmitAgentCall(ctx context.Context, rec AgentCallRecord) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	ObserveAgentCall(rec.ToAgent, rec.Status, time.Duration(rec.DurationMS)*time.Millisecond)
	w.Emit(ctx, storage.IndexAgentTelemetry, rec)
}

// EmitWatcherPoll records one watcher poll cycle and updates poll metrics.
func (w *Writer) EmitWatcherPoll(ctx context.Context, rec WatcherPollRecord) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	ObserveWatcherPoll(rec.AlertsClaimed, rec.ClaimsLost, rec.PollError != "")
	w.Emit(ctx, storage.IndexWatcherTelemetry, rec)
}
