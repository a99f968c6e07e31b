// Package resilience provides the two circuit breakers used by the runtime:
// a time-windowed breaker for agent and tool calls, and a consecutive-failure
// breaker for third-party integrations.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when a breaker refuses a call.
var ErrOpen = errors.New("circuit breaker open")

// State is a breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// WindowBreakerConfig tunes a time-windowed breaker.
type WindowBreakerConfig struct {
	// Window is how long a failure stays relevant. Default 5m.
	Window time.Duration
	// FailureThreshold opens the breaker when this many failures are inside
	// the window. Default 3.
	FailureThreshold int
	// Recovery is how long the breaker stays open before allowing a single
	// probe. Default 60s.
	Recovery time.Duration
}

func (c WindowBreakerConfig) withDefaults() WindowBreakerConfig {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Recovery <= 0 {
		c.Recovery = 60 * time.Second
	}
	return c
}

// WindowBreaker tracks failure timestamps inside a sliding window. It opens
// when the windowed failure count reaches the threshold, allows exactly one
// probe after the recovery period, and closes again on probe success.
// Successes in the closed state do not clear failures; window aging does.
type WindowBreaker struct {
	name string
	cfg  WindowBreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	failures []time.Time
	state    State
	openedAt time.Time
	probing  bool
}

// NewWindowBreaker creates a closed breaker.
func NewWindowBreaker(name string, cfg WindowBreakerConfig) *WindowBreaker {
	return &WindowBreaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrOpen until the recovery period elapses, then grants a single probe;
// concurrent callers beyond the probe fast-fail.
func (b *WindowBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Recovery {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%s: probe in flight: %w", b.name, ErrOpen)
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess notes a successful call. A half-open probe success closes
// the breaker and clears the failure window.
func (b *WindowBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.failures = nil
		b.probing = false
	}
}

// RecordFailure notes a failed call. It prunes failures that aged out of the
// window before evaluating the threshold. A half-open probe failure reopens
// the breaker.
func (b *WindowBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the breaker state after pruning aged failures.
func (b *WindowBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return b.state
}

func (b *WindowBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// setClock overrides the time source. Test hook.
func (b *WindowBreaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
