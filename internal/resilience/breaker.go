package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerline/client-go/internal/transport"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerOpenError is returned by CanExecute while the breaker rejects calls.
// RetryIn is the remaining wait until the next recovery probe is admitted;
// zero when a probe is already in flight.
type BreakerOpenError struct {
	Dependency string
	RetryIn    time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry in %s", e.Dependency, e.RetryIn)
}

// BreakerSettings configures the circuit breaker behavior
type BreakerSettings struct {
	// FailureThreshold is the consecutive qualifying failures that trip the breaker
	FailureThreshold uint
	// RecoveryTimeout is the open period before a recovery probe is admitted
	RecoveryTimeout time.Duration
	// MonitoringPeriod bounds how long old failures stay relevant: a success
	// arriving after the window zeroes the failure count
	MonitoringPeriod time.Duration
	// ExpectedStatuses are HTTP statuses that count as failures in addition
	// to 5xx and network-level errors (e.g. a 404 from a flaky gateway)
	ExpectedStatuses []int
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from State, to State)
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout == 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	if s.MonitoringPeriod == 0 {
		s.MonitoringPeriod = 5 * time.Minute
	}
	return s
}

// Breaker implements the circuit breaker pattern for one dependency.
//
// The breaker owns its open-to-half-open timer; CanExecute also re-checks
// the deadline so a timer missed across a host suspend cannot wedge the
// breaker open.
type Breaker struct {
	name     string
	settings BreakerSettings

	mu           sync.Mutex
	state        State
	failureCount uint
	lastFailure  time.Time // zero when no failure recorded
	nextAttempt  time.Time // set iff state == StateOpen
	probing      bool      // one probe admitted per half-open window
	timer        *time.Timer
}

// NewBreaker creates a circuit breaker with the given settings
func NewBreaker(name string, settings BreakerSettings) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
	}
}

// Name returns the monitored dependency name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(time.Now())
	return b.state
}

// FailureCount returns the current qualifying failure count
func (b *Breaker) FailureCount() uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// RemainingWait returns the time until the next probe is admitted, zero
// unless the breaker is open
func (b *Breaker) RemainingWait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	if d := time.Until(b.nextAttempt); d > 0 {
		return d
	}
	return 0
}

// CanExecute reports whether a call may be issued. It returns nil when the
// call is admitted and *BreakerOpenError otherwise.
func (b *Breaker) CanExecute() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refresh(now)

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return nil
		}
		return &BreakerOpenError{Dependency: b.name}
	default:
		return &BreakerOpenError{Dependency: b.name, RetryIn: b.nextAttempt.Sub(now)}
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Probe succeeded, dependency recovered
		b.resetLocked()
	case StateClosed:
		// Consecutive-failure semantics: any success zeroes the count
		b.failureCount = 0
		b.lastFailure = time.Time{}
	}
}

// RecordFailure records a failed call. Failures that do not qualify per the
// settings (plain 4xx) are ignored.
func (b *Breaker) RecordFailure(err error) {
	if !b.qualifies(err) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateHalfOpen:
		// Probe failed, back to open with a fresh deadline
		b.trip(now)
	case StateClosed:
		// Failures older than the monitoring period are stale; they must
		// not combine with fresh ones to trip the breaker long after the
		// fact
		if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.settings.MonitoringPeriod {
			b.failureCount = 0
		}
		b.failureCount++
		b.lastFailure = now
		if b.failureCount >= b.settings.FailureThreshold {
			b.trip(now)
		}
	}
}

// Reset returns the breaker to closed with zeroed counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// Stop cancels the recovery timer. Call on teardown.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
}

// qualifies reports whether the error counts toward the failure threshold:
// network-level failures and 5xx always, configured statuses explicitly,
// other client errors never.
func (b *Breaker) qualifies(err error) bool {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		// Not a classified transport failure; treat as network-level
		return true
	}
	switch terr.Kind {
	case transport.KindNetwork, transport.KindTimeout, transport.KindServer:
		return true
	}
	for _, status := range b.settings.ExpectedStatuses {
		if terr.Status == status {
			return true
		}
	}
	return false
}

// refresh performs the lazy open-to-half-open transition. Caller holds mu.
func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && !now.Before(b.nextAttempt) {
		b.setState(StateHalfOpen, now)
	}
}

// trip moves to open and schedules the half-open transition. Caller holds mu.
func (b *Breaker) trip(now time.Time) {
	b.setState(StateOpen, now)
}

// resetLocked zeroes all counters and returns to closed. Caller holds mu.
func (b *Breaker) resetLocked() {
	b.failureCount = 0
	b.lastFailure = time.Time{}
	b.setState(StateClosed, time.Now())
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.stopTimerLocked()

	switch state {
	case StateOpen:
		b.nextAttempt = now.Add(b.settings.RecoveryTimeout)
		b.timer = time.AfterFunc(b.settings.RecoveryTimeout, b.halfOpen)
	case StateHalfOpen:
		b.nextAttempt = time.Time{}
		b.probing = false
	case StateClosed:
		b.nextAttempt = time.Time{}
		b.probing = false
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}

// halfOpen is the recovery timer callback
func (b *Breaker) halfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.setState(StateHalfOpen, time.Now())
	}
}

func (b *Breaker) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
