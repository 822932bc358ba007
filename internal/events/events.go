// Package events carries out-of-band notifications from the resilience
// layer to the UI and log collaborators. Control flow stays in the caller;
// events are strictly informational plus the session-extend action.
package events

import (
	"sync"
	"time"
)

// Type identifies the event class.
type Type string

const (
	// TypeBreakerStateChanged fires on every circuit breaker transition
	TypeBreakerStateChanged Type = "breaker_state_changed"
	// TypeRequestQueued fires when a failed call is absorbed into the
	// offline queue instead of surfacing an error
	TypeRequestQueued Type = "request_queued"
	// TypeReplayFailed fires when a queued request exhausts its retries
	TypeReplayFailed Type = "replay_failed"
	// TypeSyncSummary fires after a drain with replay totals
	TypeSyncSummary Type = "sync_summary"
	// TypeSessionExpiryWarning fires ahead of token expiry, offering the
	// user an explicit extend action
	TypeSessionExpiryWarning Type = "session_expiry_warning"
	// TypeForcedLogout fires when refresh retries are exhausted and the
	// session is cleared
	TypeForcedLogout Type = "forced_logout"
	// TypeConnectivityChanged mirrors the connectivity signal
	TypeConnectivityChanged Type = "connectivity_changed"
)

// Event is one notification. Only the fields relevant to the type are set.
type Event struct {
	Type Type
	Time time.Time

	// Breaker transitions
	Dependency string
	From, To   string
	RetryIn    time.Duration

	// Queue notifications
	RequestID string
	Pending   int
	Failed    int
	Replayed  int
	Exhausted int

	// Session notifications
	ExpiresAt time.Time
	// Extend triggers an immediate session refresh when invoked. Set only
	// on TypeSessionExpiryWarning.
	Extend func()

	// Connectivity
	Online bool

	Err error
}

// Emitter is a non-blocking fan-in for events. A full buffer drops the
// event rather than stalling the resilience layer.
type Emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewEmitter creates an emitter with the given buffer size
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Emit publishes an event, stamping the time if unset. Never blocks.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
	}
}

// Events returns the stream consumed by the UI/log collaborator
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close ends the stream. Emit after Close is a no-op.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
