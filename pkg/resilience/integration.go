package resilience

import (
	"fmt"
	"sync"
	"time"
)

// ConsecutiveBreakerConfig tunes an integration-level breaker.
type ConsecutiveBreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// retryable failures. Default 5.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial. Default 30s.
	ResetTimeout time.Duration
}

func (c ConsecutiveBreakerConfig) withDefaults() ConsecutiveBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// ConsecutiveBreaker counts consecutive retryable failures. Non-retryable
// failures pass through without touching the count, so a stream of 4xx
// responses never opens the breaker. Any success resets the count.
type ConsecutiveBreaker struct {
	name string
	cfg  ConsecutiveBreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       State
	consecutive int
	openedAt    time.Time
	probing     bool
}

// NewConsecutiveBreaker creates a closed breaker.
func NewConsecutiveBreaker(name string, cfg ConsecutiveBreakerConfig) *ConsecutiveBreaker {
	return &ConsecutiveBreaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
}

// Execute runs op under the breaker. retryable classifies op's error; only
// retryable failures count toward the threshold. When the breaker is open,
// op is not invoked and ErrOpen is returned.
func (b *ConsecutiveBreaker) Execute(op func() error, retryable func(error) bool) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op()
	b.record(err, retryable)
	return err
}

// State returns the current breaker state.
func (b *ConsecutiveBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *ConsecutiveBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%s: trial in flight: %w", b.name, ErrOpen)
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *ConsecutiveBreaker) record(err error, retryable func(error) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutive = 0
		b.state = StateClosed
		b.probing = false
		return
	}

	if retryable != nil && !retryable(err) {
		// Non-retryable failures do not move the breaker; the count is
		// neither incremented nor reset.
		if b.state == StateHalfOpen {
			b.probing = false
		}
		return
	}

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
		return
	}

	b.consecutive++
	if b.consecutive >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// setClock overrides the time source. Test hook.
func (b *ConsecutiveBreaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
