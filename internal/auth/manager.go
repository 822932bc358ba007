// Package auth owns the session credential pair: it keeps the access token
// valid by refreshing proactively before expiry, coalesces concurrent
// refreshes into one in-flight call, and forces logout when refresh retries
// are exhausted.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/client-go/internal/events"
	"github.com/ledgerline/client-go/internal/infrastructure/logging"
	"github.com/ledgerline/client-go/internal/infrastructure/monitoring"
	"github.com/ledgerline/client-go/internal/store"
)

// ErrNoSession is returned when no credentials are loaded
var ErrNoSession = errors.New("auth: no active session")

// RefreshExhaustedError is terminal: credentials were cleared and the
// session must re-authenticate.
type RefreshExhaustedError struct {
	Attempts uint
	Err      error
}

func (e *RefreshExhaustedError) Error() string {
	return fmt.Sprintf("token refresh exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RefreshExhaustedError) Unwrap() error {
	return e.Err
}

// ManagerConfig tunes the refresh manager.
type ManagerConfig struct {
	// RefreshThreshold is how long before expiry the silent refresh fires
	RefreshThreshold time.Duration
	// WarningThreshold is how long before expiry the user-facing warning fires
	WarningThreshold time.Duration
	// MaxRetryAttempts bounds refresh attempts before forced logout
	MaxRetryAttempts uint
	// BackoffBase scales the 2^attempt retry delay. Defaults to one second;
	// tests shrink it.
	BackoffBase time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = 5 * time.Minute
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = 10 * time.Minute
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// Status is a point-in-time view for the diagnostics API.
type Status struct {
	HasSession bool      `json:"has_session"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Refreshing bool      `json:"refreshing"`
}

// Manager is the token refresh manager. It is the single writer of the
// credential pair; every outbound call reads through EnsureValid.
type Manager struct {
	cfg       ManagerConfig
	refresher Refresher
	store     store.Store
	emitter   *events.Emitter
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	group singleflight.Group

	mu           sync.Mutex
	tokens       *Tokens
	refreshing   bool
	refreshTimer *time.Timer
	warningTimer *time.Timer
}

// NewManager creates a manager, loading any persisted session so a restart
// does not force re-authentication.
func NewManager(cfg ManagerConfig, refresher Refresher, st store.Store, emitter *events.Emitter, logger *logging.Logger) (*Manager, error) {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		refresher: refresher,
		store:     st,
		emitter:   emitter,
		logger:    logger,
	}

	tokens, err := loadTokens(st)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tokens = tokens
	m.scheduleLocked()
	m.mu.Unlock()

	if tokens != nil {
		logger.Info("Restored persisted session", zap.Time("expires_at", tokens.ExpiresAt))
	}
	return m, nil
}

// WithMetrics adds metrics collection to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// SetTokens installs a fresh credential pair (login), persists it, and
// arms both timers against the new expiry.
func (m *Manager) SetTokens(t Tokens) error {
	if err := saveTokens(m.store, t); err != nil {
		return err
	}

	m.mu.Lock()
	m.tokens = &t
	m.scheduleLocked()
	m.mu.Unlock()
	return nil
}

// Current returns the current tokens, if any
func (m *Manager) Current() (Tokens, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		return Tokens{}, false
	}
	return *m.tokens, true
}

// Status returns the diagnostics view
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{Refreshing: m.refreshing}
	if m.tokens != nil {
		s.HasSession = true
		s.ExpiresAt = m.tokens.ExpiresAt
	}
	return s
}

// EnsureValid returns an access token that is not about to expire,
// refreshing first when the token is inside the refresh window. Calls never
// race a refresh: they all await the same in-flight operation.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.tokens == nil {
		m.mu.Unlock()
		return "", ErrNoSession
	}
	if !m.tokens.ExpiringWithin(m.cfg.RefreshThreshold) {
		token := m.tokens.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	tokens, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// Refresh renews the credential pair. Concurrent callers share one
// underlying refresh call and resolve with the same result.
func (m *Manager) Refresh(ctx context.Context) (Tokens, error) {
	result, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return Tokens{}, err
	}
	return result.(Tokens), nil
}

// Logout clears the session and cancels both timers
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.tokens = nil
	m.cancelTimersLocked()
	m.mu.Unlock()

	return m.store.Delete(store.KeyAuthTokens)
}

// Close cancels the timers without touching persisted state
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimersLocked()
}

// doRefresh runs the retry loop for one logical refresh operation
func (m *Manager) doRefresh(ctx context.Context) (Tokens, error) {
	m.mu.Lock()
	if m.tokens == nil {
		m.mu.Unlock()
		return Tokens{}, ErrNoSession
	}
	refreshToken := m.tokens.RefreshToken
	m.refreshing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	var lastErr error
	for attempt := uint(1); attempt <= m.cfg.MaxRetryAttempts; attempt++ {
		start := time.Now()
		tokens, err := m.refresher.Refresh(ctx, refreshToken)
		if err == nil {
			m.recordRefresh("success", time.Since(start))
			if perr := saveTokens(m.store, tokens); perr != nil {
				m.logger.Warn("Failed to persist refreshed tokens", zap.Error(perr))
			}

			m.mu.Lock()
			m.tokens = &tokens
			m.scheduleLocked()
			m.mu.Unlock()

			m.logger.Info("Session refreshed",
				zap.Time("expires_at", tokens.ExpiresAt),
				zap.Uint("attempt", attempt))
			return tokens, nil
		}

		lastErr = err
		m.recordRefresh("failure", time.Since(start))
		m.logger.Warn("Token refresh attempt failed",
			zap.Uint("attempt", attempt),
			zap.Error(err))

		if attempt == m.cfg.MaxRetryAttempts {
			break
		}

		// 2^attempt backoff between attempts
		delay := m.cfg.BackoffBase << attempt
		select {
		case <-ctx.Done():
			return Tokens{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	// Terminal: clear the session and tell the UI
	if err := m.Logout(); err != nil {
		m.logger.Warn("Failed to clear session state", zap.Error(err))
	}
	if m.metrics != nil {
		m.metrics.RecordForcedLogout()
	}
	m.emitter.Emit(events.Event{
		Type: events.TypeForcedLogout,
		Err:  lastErr,
	})

	return Tokens{}, &RefreshExhaustedError{Attempts: m.cfg.MaxRetryAttempts, Err: lastErr}
}

func (m *Manager) recordRefresh(outcome string, duration time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordRefresh(outcome, duration)
	}
}

// scheduleLocked re-arms the proactive refresh and expiry warning timers
// against the current expiry. Always cancels before rescheduling so a
// credential change never leaves a duplicate firing armed. Caller holds mu.
func (m *Manager) scheduleLocked() {
	m.cancelTimersLocked()
	if m.tokens == nil {
		return
	}

	expiresAt := m.tokens.ExpiresAt

	refreshIn := time.Until(expiresAt.Add(-m.cfg.RefreshThreshold))
	if refreshIn <= 0 {
		// Already inside the window; refresh now without blocking the caller
		go m.backgroundRefresh()
	} else {
		m.refreshTimer = time.AfterFunc(refreshIn, m.backgroundRefresh)
	}

	warnIn := time.Until(expiresAt.Add(-m.cfg.WarningThreshold))
	if warnIn > 0 {
		m.warningTimer = time.AfterFunc(warnIn, func() { m.emitWarning(expiresAt) })
	}
}

func (m *Manager) cancelTimersLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.warningTimer != nil {
		m.warningTimer.Stop()
		m.warningTimer = nil
	}
}

// backgroundRefresh is the proactive refresh timer callback
func (m *Manager) backgroundRefresh() {
	if _, err := m.Refresh(context.Background()); err != nil {
		m.logger.Warn("Proactive refresh failed", zap.Error(err))
	}
}

// emitWarning is the expiry warning timer callback. The event carries an
// extend action so the user can renew the session before any disruption.
func (m *Manager) emitWarning(expiresAt time.Time) {
	m.emitter.Emit(events.Event{
		Type:      events.TypeSessionExpiryWarning,
		ExpiresAt: expiresAt,
		Extend: func() {
			go m.backgroundRefresh()
		},
	})
}
