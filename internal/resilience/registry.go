package resilience

import (
	"sync"
	"time"
)

// BreakerStatus is a point-in-time view of one breaker, used by the
// diagnostics API.
type BreakerStatus struct {
	State        string        `json:"state"`
	FailureCount uint          `json:"failure_count"`
	RetryIn      time.Duration `json:"retry_in,omitempty"`
}

// Registry owns the per-dependency breakers for one client. It is created
// at session start and torn down at logout; there is no process-global
// registry.
type Registry struct {
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry
func NewRegistry(settings BreakerSettings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency, creating it on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.settings)
	r.breakers[name] = b
	return b
}

// Snapshot returns the current status of every breaker
func (r *Registry) Snapshot() map[string]BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BreakerStatus, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = BreakerStatus{
			State:        b.State().String(),
			FailureCount: b.FailureCount(),
			RetryIn:      b.RemainingWait(),
		}
	}
	return out
}

// Stop cancels every breaker's recovery timer. Call on teardown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Stop()
	}
}
