// Package client composes the resilience mechanisms into the call wrapper
// every outbound request passes through: circuit breaker admission, token
// attachment, retry with backoff, and offline queueing on terminal
// connectivity failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ledgerline/client-go/internal/auth"
	"github.com/ledgerline/client-go/internal/connectivity"
	"github.com/ledgerline/client-go/internal/events"
	"github.com/ledgerline/client-go/internal/infrastructure/logging"
	"github.com/ledgerline/client-go/internal/infrastructure/monitoring"
	"github.com/ledgerline/client-go/internal/queue"
	"github.com/ledgerline/client-go/internal/resilience"
	"github.com/ledgerline/client-go/internal/transport"
)

// CallOptions control how one call moves through the resilience layer.
type CallOptions struct {
	// Dependency is the circuit breaker key. Defaults to the URL host.
	Dependency string
	// Queueable marks the call safe to absorb into the offline queue on a
	// terminal connectivity failure (idempotent mutations).
	Queueable bool
	// Priority orders queued replay. Ignored unless Queueable.
	Priority queue.Priority
	// Anonymous skips token attachment (login, health checks).
	Anonymous bool
}

// Result is the outcome of a resilient call. Exactly one of Response or
// Queued is meaningful: a queued call is reported as accepted, not failed.
type Result struct {
	Response *transport.Response
	Queued   bool
	QueuedID string
}

// Config assembles the tunables for one client.
type Config struct {
	Breaker      resilience.BreakerSettings
	Retry        resilience.Policy
	Queue        queue.Config
	RateLimitRPS float64 // 0 disables client-side rate limiting
}

// Client is the resilience context: explicitly constructed at session
// start, torn down at logout, never a hidden singleton.
type Client struct {
	sender   transport.Sender
	auth     *auth.Manager
	queue    *queue.Queue
	breakers *resilience.Registry
	monitor  *connectivity.Monitor
	emitter  *events.Emitter
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	retry    resilience.Policy
	limiter  *rate.Limiter

	watchOnce sync.Once
	watchStop func()
}

// New wires the resilience layer together. The caller owns the sender,
// store-backed collaborators, and emitter lifecycles through Close.
func New(
	cfg Config,
	sender transport.Sender,
	authMgr *auth.Manager,
	q *queue.Queue,
	monitor *connectivity.Monitor,
	emitter *events.Emitter,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Client {
	c := &Client{
		sender:  sender,
		auth:    authMgr,
		queue:   q,
		monitor: monitor,
		emitter: emitter,
		logger:  logger,
		metrics: metrics,
		retry:   cfg.Retry,
	}

	// Chain breaker transitions into the event stream and metrics
	settings := cfg.Breaker
	userHook := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to resilience.State) {
		c.onBreakerChange(name, from, to)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	c.breakers = resilience.NewRegistry(settings)

	if cfg.RateLimitRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)+1)
	}

	return c
}

// Do runs one call through the full resilience pipeline.
func (c *Client) Do(ctx context.Context, req *transport.Request, opts CallOptions) (*Result, error) {
	return c.do(ctx, req, opts, c.retry)
}

// WatchConnectivity starts the offline-to-online drain trigger. Idempotent;
// runs until Close.
func (c *Client) WatchConnectivity() {
	c.watchOnce.Do(func() {
		ch, cancel := c.monitor.Subscribe()
		done := make(chan struct{})
		c.watchStop = func() {
			cancel()
			<-done
		}

		go func() {
			defer close(done)
			wasOnline := c.monitor.Online()
			for status := range ch {
				c.emitter.Emit(events.Event{
					Type:   events.TypeConnectivityChanged,
					Online: status.Online,
				})
				if status.Online && !wasOnline {
					c.logger.Info("Connectivity restored, draining offline queue")
					go c.drainAsync()
				}
				wasOnline = status.Online
			}
		}()
	})
}

// Drain manually triggers an offline queue replay pass.
func (c *Client) Drain(ctx context.Context) (queue.DrainResult, error) {
	result, err := c.queue.Drain(ctx, c.replay)
	c.recordQueueDepth()
	return result, err
}

// RetryFailed resurrects exhausted entries and drains.
func (c *Client) RetryFailed(ctx context.Context) (queue.DrainResult, error) {
	result, err := c.queue.RetryFailed(ctx, c.replay)
	c.recordQueueDepth()
	return result, err
}

// Queue exposes the offline queue to the diagnostics API
func (c *Client) Queue() *queue.Queue {
	return c.queue
}

// Breakers exposes the breaker registry to the diagnostics API
func (c *Client) Breakers() *resilience.Registry {
	return c.breakers
}

// Auth exposes the token manager to the diagnostics API
func (c *Client) Auth() *auth.Manager {
	return c.auth
}

// Connectivity exposes the connectivity monitor
func (c *Client) Connectivity() *connectivity.Monitor {
	return c.monitor
}

// Events returns the notification stream
func (c *Client) Events() <-chan events.Event {
	return c.emitter.Events()
}

// Close tears the resilience context down: connectivity watcher, breaker
// timers, auth timers, event stream.
func (c *Client) Close() {
	if c.watchStop != nil {
		c.watchStop()
	}
	c.breakers.Stop()
	c.auth.Close()
	c.emitter.Close()
}

// do is the pipeline shared by direct calls and queue replay. Replay passes
// a zero-retry policy and a non-queueable opts so a failed replay surfaces
// to the queue instead of re-enqueueing.
func (c *Client) do(ctx context.Context, req *transport.Request, opts CallOptions, policy resilience.Policy) (*Result, error) {
	dependency := opts.Dependency
	if dependency == "" {
		dependency = hostOf(req.URL)
	}
	breaker := c.breakers.Get(dependency)

	if err := breaker.CanExecute(); err != nil {
		c.metrics.RecordBreakerRejection(dependency)
		c.metrics.RecordRequest(req.Method, "rejected", 0)
		return nil, err
	}

	var (
		refreshed bool
		attempt   uint = 1
		lastErr   error
	)

	for {
		if !opts.Anonymous {
			token, err := c.auth.EnsureValid(ctx)
			if err != nil {
				return nil, err
			}
			setAuthHeader(req, token)
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err := c.sender.Send(ctx, req)
		if err == nil {
			breaker.RecordSuccess()
			c.metrics.RecordRequest(req.Method, "success", time.Since(start))
			return &Result{Response: resp}, nil
		}
		lastErr = err

		var terr *transport.Error
		if errors.As(err, &terr) && terr.Kind == transport.KindUnauthorized && !opts.Anonymous {
			if refreshed {
				// Still unauthorized with a fresh token: the session is no
				// longer valid server-side
				c.metrics.RecordRequest(req.Method, "unauthorized", time.Since(start))
				c.metrics.RecordForcedLogout()
				if lerr := c.auth.Logout(); lerr != nil {
					c.logger.Warn("Failed to clear session state", zap.Error(lerr))
				}
				c.emitter.Emit(events.Event{Type: events.TypeForcedLogout, Err: err})
				return nil, err
			}
			refreshed = true
			if _, rerr := c.auth.Refresh(ctx); rerr != nil {
				// Exhausted refresh already cleared the session
				return nil, rerr
			}
			// Single retry of the original call with the new token; does
			// not consume a retry attempt
			continue
		}

		breaker.RecordFailure(err)

		// A failure can trip the breaker mid-call; no further attempt may
		// reach the dependency while it is open
		if breaker.State() == resilience.StateOpen {
			break
		}

		decision := resilience.Decide(attempt, err, policy)
		if !decision.Retry {
			break
		}

		c.metrics.RecordRetry(kindOf(err))
		c.logger.Debug("Retrying after backoff",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Uint("attempt", attempt),
			zap.Duration("delay", decision.Delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(decision.Delay):
		}

		// The network may have dropped during the wait; a queueable call
		// should go straight to the queue instead of burning attempts
		if !c.monitor.Online() {
			break
		}
		attempt++
	}

	return c.terminal(req, opts, lastErr)
}

// terminal handles a given-up failure: absorb queueable connectivity
// failures into the offline queue, surface everything else.
func (c *Client) terminal(req *transport.Request, opts CallOptions, err error) (*Result, error) {
	var terr *transport.Error
	if opts.Queueable && errors.As(err, &terr) && terr.Connectivity() {
		id, qerr := c.queue.Enqueue(*req, opts.Priority)
		if qerr != nil {
			c.logger.Error("Failed to queue request", zap.Error(qerr))
			return nil, fmt.Errorf("request failed and could not be queued: %w", err)
		}
		c.metrics.RecordEnqueue()
		c.metrics.RecordRequest(req.Method, "queued", 0)
		c.recordQueueDepth()
		return &Result{Queued: true, QueuedID: id}, nil
	}

	c.metrics.RecordRequest(req.Method, "failure", 0)
	return nil, err
}

// replay re-runs a queued request through breaker admission and token
// attachment with a single attempt and no re-enqueueing; the queue owns
// replay retry bookkeeping.
func (c *Client) replay(ctx context.Context, req *transport.Request) error {
	if _, err := c.do(ctx, req, CallOptions{}, resilience.Policy{MaxRetries: 0}); err != nil {
		c.metrics.RecordReplay("retry")
		return err
	}
	c.metrics.RecordReplay("success")
	return nil
}

func (c *Client) drainAsync() {
	if _, err := c.Drain(context.Background()); err != nil {
		c.logger.Warn("Drain failed", zap.Error(err))
	}
}

func (c *Client) onBreakerChange(name string, from, to resilience.State) {
	c.logger.Info("Circuit breaker state changed",
		zap.String("dependency", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	c.metrics.RecordBreakerState(name, int(to))
	c.metrics.RecordBreakerTransition(name, from.String(), to.String())
	c.emitter.Emit(events.Event{
		Type:       events.TypeBreakerStateChanged,
		Dependency: name,
		From:       from.String(),
		To:         to.String(),
	})
}

func (c *Client) recordQueueDepth() {
	status := c.queue.Status()
	c.metrics.RecordQueueDepth(status.Pending, status.Failed)
}

func setAuthHeader(req *transport.Request, token string) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + token
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "gateway"
	}
	return u.Host
}

func kindOf(err error) string {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Kind.String()
	}
	return "unknown"
}
