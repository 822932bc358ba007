package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/client-go/internal/events"
	"github.com/ledgerline/client-go/internal/infrastructure/logging"
	"github.com/ledgerline/client-go/internal/infrastructure/monitoring"
	"github.com/ledgerline/client-go/internal/store"
)

// fakeRefresher scripts refresh outcomes for tests.
type fakeRefresher struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	delay    time.Duration
	ttl      time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := call <= f.failures
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return Tokens{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}

	if fail {
		return Tokens{}, errors.New("refresh endpoint unavailable")
	}

	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return Tokens{
		AccessToken:  fmt.Sprintf("access-%d", call),
		RefreshToken: fmt.Sprintf("refresh-%d", call),
		ExpiresAt:    time.Now().Add(ttl),
	}, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(t *testing.T, cfg ManagerConfig, refresher Refresher) (*Manager, *events.Emitter, store.Store) {
	t.Helper()

	st := store.NewMemoryStore()
	emitter := events.NewEmitter(16)
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}

	m, err := NewManager(cfg, refresher, st, emitter, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, emitter, st
}

func validTokens(ttl time.Duration) Tokens {
	return Tokens{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(ttl),
	}
}

func TestEnsureValidReturnsFreshToken(t *testing.T) {
	refresher := &fakeRefresher{}
	m, _, _ := newTestManager(t, ManagerConfig{}, refresher)
	require.NoError(t, m.SetTokens(validTokens(time.Hour)))

	token, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-0", token)
	assert.Equal(t, 0, refresher.callCount())
}

func TestEnsureValidRefreshesInsideWindow(t *testing.T) {
	refresher := &fakeRefresher{}
	m, _, _ := newTestManager(t, ManagerConfig{RefreshThreshold: 5 * time.Minute}, refresher)
	// Inside the refresh window
	require.NoError(t, m.SetTokens(validTokens(time.Minute)))

	token, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, 1, refresher.callCount())
}

func TestEnsureValidNoSession(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{}, &fakeRefresher{})

	_, err := m.EnsureValid(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRefreshSingleFlight(t *testing.T) {
	refresher := &fakeRefresher{delay: 50 * time.Millisecond}
	m, _, _ := newTestManager(t, ManagerConfig{}, refresher)
	require.NoError(t, m.SetTokens(validTokens(time.Hour)))

	const callers = 10
	results := make([]Tokens, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	// One network call, every caller resolving with the same new token
	assert.Equal(t, 1, refresher.callCount())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", results[i].AccessToken)
	}
}

func TestRefreshRetriesThenSucceeds(t *testing.T) {
	refresher := &fakeRefresher{failures: 2}
	m, _, _ := newTestManager(t, ManagerConfig{MaxRetryAttempts: 3}, refresher)
	require.NoError(t, m.SetTokens(validTokens(time.Hour)))

	tokens, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-3", tokens.AccessToken)
	assert.Equal(t, 3, refresher.callCount())
}

func TestRefreshExhaustionForcesLogout(t *testing.T) {
	refresher := &fakeRefresher{failures: 100}
	m, emitter, st := newTestManager(t, ManagerConfig{MaxRetryAttempts: 3}, refresher)
	require.NoError(t, m.SetTokens(validTokens(time.Hour)))

	_, err := m.Refresh(context.Background())

	var exhausted *RefreshExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, uint(3), exhausted.Attempts)
	assert.Equal(t, 3, refresher.callCount())

	// Session cleared everywhere
	_, ok := m.Current()
	assert.False(t, ok)
	_, serr := st.Get(store.KeyAuthTokens)
	assert.ErrorIs(t, serr, store.ErrNotFound)

	// Forced logout surfaced on the event stream
	select {
	case ev := <-emitter.Events():
		assert.Equal(t, events.TypeForcedLogout, ev.Type)
		assert.Error(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("expected forced logout event")
	}
}

func TestManagerRestoresPersistedSession(t *testing.T) {
	st := store.NewMemoryStore()
	emitter := events.NewEmitter(16)

	m1, err := NewManager(ManagerConfig{}, &fakeRefresher{}, st, emitter, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, m1.SetTokens(validTokens(time.Hour)))
	m1.Close()

	m2, err := NewManager(ManagerConfig{}, &fakeRefresher{}, st, emitter, logging.NewNop())
	require.NoError(t, err)
	defer m2.Close()

	tokens, ok := m2.Current()
	require.True(t, ok)
	assert.Equal(t, "access-0", tokens.AccessToken)
}

func TestProactiveRefreshFires(t *testing.T) {
	refresher := &fakeRefresher{}
	m, _, _ := newTestManager(t, ManagerConfig{
		RefreshThreshold: 30 * time.Millisecond,
		WarningThreshold: 40 * time.Millisecond,
	}, refresher)

	// Expiry just beyond the refresh window arms the timer
	require.NoError(t, m.SetTokens(validTokens(80 * time.Millisecond)))

	assert.Eventually(t, func() bool {
		return refresher.callCount() >= 1
	}, time.Second, 5*time.Millisecond)

	// The refreshed hour-long token must reschedule, not refresh-loop
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, refresher.callCount())
}

func TestExpiryWarningCarriesExtendAction(t *testing.T) {
	refresher := &fakeRefresher{}
	m, emitter, _ := newTestManager(t, ManagerConfig{
		RefreshThreshold: 10 * time.Millisecond,
		WarningThreshold: 60 * time.Millisecond,
	}, refresher)
	require.NoError(t, m.SetTokens(validTokens(100 * time.Millisecond)))

	select {
	case ev := <-emitter.Events():
		require.Equal(t, events.TypeSessionExpiryWarning, ev.Type)
		require.NotNil(t, ev.Extend)
		ev.Extend()
	case <-time.After(time.Second):
		t.Fatal("expected session expiry warning")
	}

	assert.Eventually(t, func() bool {
		return refresher.callCount() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestLogoutClearsSessionAndTimers(t *testing.T) {
	refresher := &fakeRefresher{}
	m, _, st := newTestManager(t, ManagerConfig{}, refresher)
	require.NoError(t, m.SetTokens(validTokens(time.Hour)))

	require.NoError(t, m.Logout())

	_, ok := m.Current()
	assert.False(t, ok)
	_, err := st.Get(store.KeyAuthTokens)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.EnsureValid(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRefreshRecordsOutcomeMetrics(t *testing.T) {
	refresher := &fakeRefresher{failures: 1}
	m, _, _ := newTestManager(t, ManagerConfig{MaxRetryAttempts: 3}, refresher)
	metrics := monitoring.NewMetricsWithRegistry(prometheus.NewRegistry())
	m.WithMetrics(metrics)
	require.NoError(t, m.SetTokens(validTokens(time.Hour)))

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	// One failed attempt, then the success
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RefreshTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RefreshTotal.WithLabelValues("success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ForcedLogouts))
}

func TestRefreshExhaustionRecordsForcedLogout(t *testing.T) {
	refresher := &fakeRefresher{failures: 10}
	m, _, _ := newTestManager(t, ManagerConfig{MaxRetryAttempts: 2}, refresher)
	metrics := monitoring.NewMetricsWithRegistry(prometheus.NewRegistry())
	m.WithMetrics(metrics)
	require.NoError(t, m.SetTokens(validTokens(time.Hour)))

	_, err := m.Refresh(context.Background())
	var exhausted *RefreshExhaustedError
	require.ErrorAs(t, err, &exhausted)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RefreshTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ForcedLogouts))
}
