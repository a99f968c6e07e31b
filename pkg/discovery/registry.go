package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vigil-soc/vigil/pkg/retry"
)

// ErrCardNotFound indicates the runtime does not know the agent (HTTP 404).
// Not retried: a missing card is a configuration problem, not a blip.
var ErrCardNotFound = errors.New("agent card not found")

// staleAfter is how old a discovery snapshot may be before it is tagged stale.
const staleAfter = 5 * time.Minute

// Snapshot is the result of one discovery pass. Deep-cloned on read.
type Snapshot struct {
	Available   map[string]*AgentCard
	Unavailable []string
	At          time.Time
	Stale       bool
}

func (s *Snapshot) clone(now time.Time) *Snapshot {
	out := &Snapshot{
		Available:   make(map[string]*AgentCard, len(s.Available)),
		Unavailable: append([]string(nil), s.Unavailable...),
		At:          s.At,
		Stale:       now.Sub(s.At) > staleAfter,
	}
	for id, card := range s.Available {
		out.Available[id] = card.Clone()
	}
	return out
}

// cardFetchError carries the HTTP status of a failed card fetch so the retry
// layer can distinguish transient 5xx from permanent 404.
type cardFetchError struct {
	agentID    string
	statusCode int
}

func (e *cardFetchError) Error() string {
	return fmt.Sprintf("fetch card for %s: HTTP %d", e.agentID, e.statusCode)
}

// Registry caches agent cards and tracks availability transitions.
type Registry struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu         sync.Mutex
	cards      map[string]*AgentCard
	last       *Snapshot
	refreshing bool

	onUp   []func(agentID string)
	onDown []func(agentID string)
}

// NewRegistry creates a registry resolving cards against the runtime base URL.
func NewRegistry(baseURL string, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Registry{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     slog.Default().With("component", "agent-discovery"),
		cards:      make(map[string]*AgentCard),
	}
}

// BaseURL returns the runtime base URL cards resolve against.
func (r *Registry) BaseURL() string { return r.baseURL }

// OnAgentUp registers a callback for unavailable→available transitions.
func (r *Registry) OnAgentUp(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUp = append(r.onUp, fn)
}

// OnAgentDown registers a callback for available→unavailable transitions.
func (r *Registry) OnAgentDown(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDown = append(r.onDown, fn)
}

// ResolveCard returns the cached card for an agent, fetching it on a miss.
func (r *Registry) ResolveCard(ctx context.Context, agentID string) (*AgentCard, error) {
	r.mu.Lock()
	if card, ok := r.cards[agentID]; ok {
		r.mu.Unlock()
		return card.Clone(), nil
	}
	r.mu.Unlock()

	card, err := r.fetchCard(ctx, agentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cards[agentID] = card
	r.mu.Unlock()
	return card.Clone(), nil
}

// DiscoverAll fetches every card in parallel. It never returns an error:
// agents whose cards cannot be fetched land in Unavailable. Availability
// transitions against the previous discovery raise up/down events.
func (r *Registry) DiscoverAll(ctx context.Context, agentIDs []string) *Snapshot {
	type outcome struct {
		agentID string
		card    *AgentCard
	}
	results := make([]outcome, len(agentIDs))

	var wg sync.WaitGroup
	for i, agentID := range agentIDs {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			card, err := r.fetchCard(ctx, agentID)
			if err != nil {
				r.logger.Warn("Agent card unavailable", "agent_id", agentID, "error", err)
				results[i] = outcome{agentID: agentID}
				return
			}
			results[i] = outcome{agentID: agentID, card: card}
		}(i, agentID)
	}
	wg.Wait()

	snapshot := &Snapshot{
		Available: make(map[string]*AgentCard),
		At:        time.Now(),
	}
	for _, out := range results {
		if out.card != nil {
			snapshot.Available[out.agentID] = out.card
		} else {
			snapshot.Unavailable = append(snapshot.Unavailable, out.agentID)
		}
	}
	sort.Strings(snapshot.Unavailable)

	r.mu.Lock()
	previous := r.last
	r.last = snapshot
	for id, card := range snapshot.Available {
		r.cards[id] = card
	}
	for _, id := range snapshot.Unavailable {
		delete(r.cards, id)
	}
	upFns := append([]func(string){}, r.onUp...)
	downFns := append([]func(string){}, r.onDown...)
	r.mu.Unlock()

	r.emitTransitions(previous, snapshot, upFns, downFns)
	return snapshot.clone(time.Now())
}

// LastDiscovery returns a deep-cloned snapshot of the most recent discovery,
// tagged stale once older than five minutes. Nil if none has run.
func (r *Registry) LastDiscovery() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	return r.last.clone(time.Now())
}

// Refresh re-runs discovery over the currently known agents. It is
// reentrancy-protected: a refresh racing another returns the stale snapshot
// instead of double-fetching.
func (r *Registry) Refresh(ctx context.Context) *Snapshot {
	r.mu.Lock()
	if r.refreshing {
		last := r.last
		r.mu.Unlock()
		if last == nil {
			return nil
		}
		return last.clone(time.Now())
	}
	r.refreshing = true
	agentIDs := make([]string, 0, len(r.cards))
	for id := range r.cards {
		agentIDs = append(agentIDs, id)
	}
	if r.last != nil {
		agentIDs = append(agentIDs, r.last.Unavailable...)
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.refreshing = false
		r.mu.Unlock()
	}()

	sort.Strings(agentIDs)
	return r.DiscoverAll(ctx, dedupe(agentIDs))
}

func (r *Registry) emitTransitions(previous, current *Snapshot, upFns, downFns []func(string)) {
	if previous == nil {
		return
	}
	for id := range current.Available {
		if _, was := previous.Available[id]; !was {
			r.logger.Info("Agent became available", "agent_id", id)
			for _, fn := range upFns {
				fn(id)
			}
		}
	}
	for _, id := range current.Unavailable {
		if _, was := previous.Available[id]; was {
			r.logger.Warn("Agent became unavailable", "agent_id", id)
			for _, fn := range downFns {
				fn(id)
			}
		}
	}
}

// fetchCard retrieves one card, retrying transient 5xx failures but not 404.
func (r *Registry) fetchCard(ctx context.Context, agentID string) (*AgentCard, error) {
	return retry.Do(ctx, func(ctx context.Context) (*AgentCard, error) {
		return r.fetchCardOnce(ctx, agentID)
	}, retry.Options{
		MaxAttempts: 3,
		Policy:      retry.PolicyExponential,
		Initial:     200 * time.Millisecond,
		Retryable: func(err error) bool {
			var fe *cardFetchError
			if errors.As(err, &fe) {
				return fe.statusCode >= 500
			}
			return !errors.Is(err, ErrCardNotFound)
		},
	})
}

func (r *Registry) fetchCardOnce(ctx context.Context, agentID string) (*AgentCard, error) {
	url := fmt.Sprintf("%s/agents/%s/card", r.baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create card request for %s: %w", agentID, err)
	}

	res, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch card for %s: %w", agentID, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrCardNotFound)
	case res.StatusCode != http.StatusOK:
		io.Copy(io.Discard, res.Body)
		return nil, &cardFetchError{agentID: agentID, statusCode: res.StatusCode}
	}

	var card AgentCard
	if err := json.NewDecoder(res.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode card for %s: %w", agentID, err)
	}
	if card.AgentID == "" {
		card.AgentID = agentID
	}
	return &card, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
