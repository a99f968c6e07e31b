package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigil-soc/vigil/pkg/discovery"
	"github.com/vigil-soc/vigil/pkg/resilience"
	"github.com/vigil-soc/vigil/pkg/telemetry"
)

// retryDelay is the pause before the single 5xx retry.
const retryDelay = 500 * time.Millisecond

// SendOptions tune one Send call.
type SendOptions struct {
	// Timeout overrides the per-agent budget. Zero uses TimeoutFor.
	Timeout time.Duration
}

// Router delivers envelopes to agents resolved through discovery. Every call
// produces exactly one telemetry record regardless of outcome.
type Router struct {
	registry   *discovery.Registry
	breakers   *resilience.Registry
	tele       *telemetry.Writer
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRouter creates an A2A router.
func NewRouter(registry *discovery.Registry, breakers *resilience.Registry, tele *telemetry.Writer, httpClient *http.Client) *Router {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Router{
		registry:   registry,
		breakers:   breakers,
		tele:       tele,
		httpClient: httpClient,
		logger:     slog.Default().With("component", "a2a-router"),
		sleep:      sleepCtx,
	}
}

// Send validates the envelope, resolves the agent's card, gates on its
// capability set, and POSTs the envelope to the agent's endpoint under the
// agent's timeout budget. 5xx responses are retried once; 4xx are not.
// A successful response body is returned unparsed.
func (r *Router) Send(ctx context.Context, agentID string, env *Envelope, opts SendOptions) (json.RawMessage, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	emit := func(status string, callErr error) {
		rec := telemetry.AgentCallRecord{
			MessageID:  env.MessageID,
			FromAgent:  env.FromAgent,
			ToAgent:    agentID,
			Task:       env.Task(),
			Status:     status,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if callErr != nil {
			rec.Error = callErr.Error()
		}
		r.tele.EmitAgentCall(ctx, rec)
	}

	card, err := r.registry.ResolveCard(ctx, agentID)
	if err != nil {
		unavailable := &AgentUnavailableError{AgentID: agentID, Err: err}
		emit(telemetry.CallCardUnavailable, unavailable)
		return nil, unavailable
	}

	if task := env.Task(); len(card.Capabilities) > 0 && !card.Capabilities.Has(task) {
		capErr := &CapabilityError{AgentID: agentID, Task: task}
		emit(telemetry.CallError, capErr)
		return nil, capErr
	}

	breaker := r.breakers.Window("agent:" + agentID)
	if err := breaker.Allow(); err != nil {
		emit(telemetry.CallError, err)
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = TimeoutFor(agentID)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := r.post(callCtx, agentID, card, env)
	if err != nil {
		breaker.RecordFailure()
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			timeoutErr := &AgentTimeoutError{AgentID: agentID, Timeout: timeout}
			emit(telemetry.CallTimeout, timeoutErr)
			return nil, timeoutErr
		}
		emit(telemetry.CallError, err)
		return nil, err
	}

	breaker.RecordSuccess()
	emit(telemetry.CallSuccess, nil)
	return body, nil
}

// SendAs is Send with the response decoded into out.
func (r *Router) SendAs(ctx context.Context, agentID string, env *Envelope, opts SendOptions, out any) error {
	body, err := r.Send(ctx, agentID, env, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", agentID, err)
	}
	return nil
}

// post performs the HTTP exchange, retrying a 5xx response once.
func (r *Router) post(ctx context.Context, agentID string, card *discovery.AgentCard, env *Envelope) (json.RawMessage, error) {
	url := r.registry.BaseURL() + "/" + trimLeadingSlash(card.Endpoint)

	body, status, err := r.postOnce(ctx, url, env)
	if err == nil && status < 400 {
		return body, nil
	}
	if err == nil && status >= 500 {
		r.logger.Warn("Agent returned server error, retrying once",
			"agent_id", agentID, "status", status)
		if sleepErr := r.sleep(ctx, retryDelay); sleepErr == nil {
			body, status, err = r.postOnce(ctx, url, env)
			if err == nil && status < 400 {
				return body, nil
			}
		}
	}

	if err != nil {
		return nil, &A2AError{AgentID: agentID, Message: err.Error(), Err: err}
	}
	return nil, &A2AError{AgentID: agentID, StatusCode: status, Message: errorBodySummary(body)}
}

func (r *Router) postOnce(ctx context.Context, url string, env *Envelope) (json.RawMessage, int, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return body, res.StatusCode, nil
}

func errorBodySummary(body []byte) string {
	const max = 256
	s := string(body)
	if len(s) > max {
		s = s[:max]
	}
	if s == "" {
		return "no response body"
	}
	return s
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTimeout reports whether the error is an agent timeout.
func IsTimeout(err error) bool {
	var te *AgentTimeoutError
	return errors.As(err, &te)
}
