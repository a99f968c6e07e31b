package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-soc/vigil/pkg/discovery"
	"github.com/vigil-soc/vigil/pkg/resilience"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/storage/storagetest"
	"github.com/vigil-soc/vigil/pkg/telemetry"
)

type routerHarness struct {
	router   *Router
	fake     *storagetest.Fake
	calls    atomic.Int32
	handler  func(w http.ResponseWriter, r *http.Request)
	hasCard  bool
	caps     discovery.Capabilities
	breakers *resilience.Registry
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	h := &routerHarness{
		fake:    storagetest.NewFake(),
		hasCard: true,
		caps:    discovery.Capabilities{"triage_alert"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/triage/card", func(w http.ResponseWriter, r *http.Request) {
		if !h.hasCard {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(discovery.AgentCard{
			AgentID:      "triage",
			Endpoint:     "/api/agents/triage",
			Capabilities: h.caps,
		})
	})
	mux.HandleFunc("/api/agents/triage", func(w http.ResponseWriter, r *http.Request) {
		h.calls.Add(1)
		if h.handler != nil {
			h.handler(w, r)
			return
		}
		w.Write([]byte(`{"disposition":"investigate"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	registry := discovery.NewRegistry(srv.URL, srv.Client())
	h.breakers = resilience.NewRegistry(resilience.WindowBreakerConfig{}, resilience.ConsecutiveBreakerConfig{})
	h.router = NewRouter(registry, h.breakers, telemetry.NewWriter(h.fake), srv.Client())
	h.router.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}

func triageEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := NewEnvelope("vigil-coordinator", "triage", "INC-1", map[string]any{
		"task":     "triage_alert",
		"alert_id": "a1",
	})
	require.NoError(t, err)
	return env
}

func (h *routerHarness) telemetryStatuses(t *testing.T) []string {
	t.Helper()
	res, err := h.fake.Search(context.Background(), storage.IndexAgentTelemetry,
		map[string]any{"query": map[string]any{"match_all": map[string]any{}}}, nil)
	require.NoError(t, err)
	var out []string
	for _, hit := range res.Hits {
		var rec telemetry.AgentCallRecord
		require.NoError(t, hit.Decode(&rec))
		out = append(out, rec.Status)
	}
	return out
}

func TestSendReturnsBodyAndEmitsSuccessTelemetry(t *testing.T) {
	h := newRouterHarness(t)

	body, err := h.router.Send(context.Background(), "triage", triageEnvelope(t), SendOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"disposition":"investigate"}`, string(body))
	assert.Equal(t, []string{telemetry.CallSuccess}, h.telemetryStatuses(t))
}

func TestSendRejectsInvalidEnvelopeWithoutTransmitting(t *testing.T) {
	h := newRouterHarness(t)

	_, err := h.router.Send(context.Background(), "triage", &Envelope{}, SendOptions{})
	var ve *EnvelopeValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, h.calls.Load())
	assert.Zero(t, h.fake.Count(storage.IndexAgentTelemetry))
}

func TestSendCardUnavailable(t *testing.T) {
	h := newRouterHarness(t)
	h.hasCard = false

	_, err := h.router.Send(context.Background(), "triage", triageEnvelope(t), SendOptions{})
	var ue *AgentUnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{telemetry.CallCardUnavailable}, h.telemetryStatuses(t))
}

func TestSendGatesOnCapabilities(t *testing.T) {
	h := newRouterHarness(t)
	h.caps = discovery.Capabilities{"verify_resolution"}

	_, err := h.router.Send(context.Background(), "triage", triageEnvelope(t), SendOptions{})
	var ce *CapabilityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "triage_alert", ce.Task)
	assert.Zero(t, h.calls.Load(), "capability mismatch must not transmit")
	assert.Equal(t, []string{telemetry.CallError}, h.telemetryStatuses(t))
}

func TestSendSkipsGateWhenCardAdvertisesNoCapabilities(t *testing.T) {
	h := newRouterHarness(t)
	h.caps = nil

	_, err := h.router.Send(context.Background(), "triage", triageEnvelope(t), SendOptions{})
	require.NoError(t, err)
}

func TestSendRetries5xxOnce(t *testing.T) {
	h := newRouterHarness(t)
	h.handler = func(w http.ResponseWriter, r *http.Request) {
		if h.calls.Load() == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}

	body, err := h.router.Send(context.Background(), "triage", triageEnvelope(t), SendOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(2), h.calls.Load())
	assert.Equal(t, []string{telemetry.CallSuccess}, h.telemetryStatuses(t))
}

func TestSendDoesNotRetry4xx(t *testing.T) {
	h := newRouterHarness(t)
	h.handler = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad task", http.StatusBadRequest)
	}

	_, err := h.router.Send(context.Background(), "triage", triageEnvelope(t), SendOptions{})
	var ae *A2AError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, []string{telemetry.CallError}, h.telemetryStatuses(t))
}

func TestSendGivesUpAfterSecond5xx(t *testing.T) {
	h := newRouterHarness(t)
	h.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	_, err := h.router.Send(context.Background(), "triage", triageEnvelope(t), SendOptions{})
	var ae *A2AError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusInternalServerError, ae.StatusCode)
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestSendTimesOutAgainstBudget(t *testing.T) {
	h := newRouterHarness(t)
	h.handler = func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{}`))
	}

	_, err := h.router.Send(context.Background(), "triage", triageEnvelope(t), SendOptions{Timeout: 50 * time.Millisecond})
	require.True(t, IsTimeout(err), "expected timeout, got %v", err)
	assert.Equal(t, []string{telemetry.CallTimeout}, h.telemetryStatuses(t))
}

func TestSendFastFailsWhenBreakerOpen(t *testing.T) {
	h := newRouterHarness(t)
	h.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	ctx := context.Background()
	// Default window breaker threshold is three failures.
	for i := 0; i < 3; i++ {
		_, err := h.router.Send(ctx, "triage", triageEnvelope(t), SendOptions{})
		require.Error(t, err)
	}
	before := h.calls.Load()

	_, err := h.router.Send(ctx, "triage", triageEnvelope(t), SendOptions{})
	require.ErrorIs(t, err, resilience.ErrOpen)
	assert.Equal(t, before, h.calls.Load(), "open breaker must not transmit")
}

func TestTimeoutForTable(t *testing.T) {
	assert.Equal(t, 10*time.Second, TimeoutFor("triage"))
	assert.Equal(t, 120*time.Second, TimeoutFor("verifier"))
	assert.Equal(t, 30*time.Second, TimeoutFor("workflow-kubernetes"))
	assert.Equal(t, DefaultTimeout, TimeoutFor("somebody-new"))
}
