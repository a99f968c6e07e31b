package resilience

import "sync"

// Registry is the process-scope container for named breakers. It is injected
// into constructors at startup so no package owns package-level mutable
// breaker state.
type Registry struct {
	mu          sync.Mutex
	window      map[string]*WindowBreaker
	consecutive map[string]*ConsecutiveBreaker

	windowDefaults      WindowBreakerConfig
	consecutiveDefaults ConsecutiveBreakerConfig
}

// NewRegistry creates an empty registry with the given defaults.
func NewRegistry(windowDefaults WindowBreakerConfig, consecutiveDefaults ConsecutiveBreakerConfig) *Registry {
	return &Registry{
		window:              make(map[string]*WindowBreaker),
		consecutive:         make(map[string]*ConsecutiveBreaker),
		windowDefaults:      windowDefaults,
		consecutiveDefaults: consecutiveDefaults,
	}
}

// Window returns the named windowed breaker, creating it on first use.
func (r *Registry) Window(name string) *WindowBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.window[name]
	if !ok {
		b = NewWindowBreaker(name, r.windowDefaults)
		r.window[name] = b
	}
	return b
}

// Consecutive returns the named integration breaker, creating it on first use.
func (r *Registry) Consecutive(name string) *ConsecutiveBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.consecutive[name]
	if !ok {
		b = NewConsecutiveBreaker(name, r.consecutiveDefaults)
		r.consecutive[name] = b
	}
	return b
}

// ResetForTest drops every breaker, returning the registry to its initial
// state.
func (r *Registry) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = make(map[string]*WindowBreaker)
	r.consecutive = make(map[string]*ConsecutiveBreaker)
}
