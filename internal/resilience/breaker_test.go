package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/client-go/internal/transport"
)

func serverErr(status int) error {
	return &transport.Error{Kind: transport.KindServer, Status: status, Method: "GET", URL: "/t"}
}

func clientErr(status int) error {
	return &transport.Error{Kind: transport.KindClient, Status: status, Method: "GET", URL: "/t"}
}

func networkErr() error {
	return &transport.Error{Kind: transport.KindNetwork, Method: "GET", URL: "/t", Err: errors.New("refused")}
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      BreakerSettings
		failures      []error
		expectedState State
	}{
		{
			name:          "stays closed below threshold",
			settings:      BreakerSettings{FailureThreshold: 3},
			failures:      []error{serverErr(500), serverErr(502)},
			expectedState: StateClosed,
		},
		{
			name:          "opens at threshold",
			settings:      BreakerSettings{FailureThreshold: 3},
			failures:      []error{serverErr(500), networkErr(), serverErr(503)},
			expectedState: StateOpen,
		},
		{
			name:          "client errors never trip",
			settings:      BreakerSettings{FailureThreshold: 2},
			failures:      []error{clientErr(400), clientErr(404), clientErr(422)},
			expectedState: StateClosed,
		},
		{
			name:          "configured status counts",
			settings:      BreakerSettings{FailureThreshold: 2, ExpectedStatuses: []int{404}},
			failures:      []error{clientErr(404), clientErr(404)},
			expectedState: StateOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreaker("test", tt.settings)
			defer b.Stop()

			for _, err := range tt.failures {
				b.RecordFailure(err)
			}
			assert.Equal(t, tt.expectedState, b.State())
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b := NewBreaker("gateway", BreakerSettings{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})
	defer b.Stop()

	require.NoError(t, b.CanExecute())
	b.RecordFailure(serverErr(500))
	b.RecordFailure(serverErr(500))

	err := b.CanExecute()
	require.Error(t, err)

	var openErr *BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "gateway", openErr.Dependency)
	assert.Greater(t, openErr.RetryIn, time.Duration(0))
	assert.LessOrEqual(t, openErr.RetryIn, time.Minute)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("test", BreakerSettings{
		FailureThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
	})
	defer b.Stop()

	b.RecordFailure(serverErr(500))
	b.RecordFailure(serverErr(500))
	require.Equal(t, StateOpen, b.State())

	// Recovery timer moves the breaker to half-open
	assert.Eventually(t, func() bool {
		return b.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	// Exactly one probe admitted
	require.NoError(t, b.CanExecute())
	probeContention := b.CanExecute()
	require.Error(t, probeContention)

	// Probe success resets everything
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint(0), b.FailureCount())
	assert.NoError(t, b.CanExecute())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker("test", BreakerSettings{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})
	defer b.Stop()

	b.RecordFailure(networkErr())
	require.Equal(t, StateOpen, b.State())

	require.Eventually(t, func() bool {
		return b.State() == StateHalfOpen
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, b.CanExecute())
	b.RecordFailure(serverErr(503))
	assert.Equal(t, StateOpen, b.State())

	// A fresh nextAttemptTime was scheduled
	assert.Greater(t, b.RemainingWait(), time.Duration(0))
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker("test", BreakerSettings{FailureThreshold: 5})
	defer b.Stop()

	b.RecordFailure(serverErr(500))
	b.RecordFailure(serverErr(500))
	b.RecordFailure(serverErr(500))
	require.Equal(t, uint(3), b.FailureCount())

	b.RecordSuccess()
	assert.Equal(t, uint(0), b.FailureCount())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStaleFailuresDoNotAccumulate(t *testing.T) {
	b := NewBreaker("test", BreakerSettings{
		FailureThreshold: 2,
		MonitoringPeriod: 10 * time.Millisecond,
	})
	defer b.Stop()

	b.RecordFailure(serverErr(500))
	time.Sleep(20 * time.Millisecond)

	// The old failure aged out; this one restarts the count
	b.RecordFailure(serverErr(500))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint(1), b.FailureCount())
}

func TestBreakerOnStateChange(t *testing.T) {
	var transitions []string
	b := NewBreaker("test", BreakerSettings{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	defer b.Stop()

	b.RecordFailure(serverErr(500))
	b.Reset()

	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestBreakerLazyHalfOpenAfterMissedTimer(t *testing.T) {
	b := NewBreaker("test", BreakerSettings{
		FailureThreshold: 1,
		RecoveryTimeout:  5 * time.Millisecond,
	})

	b.RecordFailure(serverErr(500))
	// Simulate a missed timer: stop it, then check past the deadline
	b.Stop()
	time.Sleep(10 * time.Millisecond)

	assert.NoError(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())
}
