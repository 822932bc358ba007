// Package monitoring provides Prometheus metrics for the resilience layer.
package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Transport metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Offline queue metrics
	QueueDepth    *prometheus.GaugeVec
	QueueEnqueued prometheus.Counter
	QueueEvicted  prometheus.Counter
	QueueReplays  *prometheus.CounterVec

	// Token refresh metrics
	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	ForcedLogouts   prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for the JSON diag API
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON diag API
type Snapshot struct {
	TotalRequests  int64 `json:"total_requests"`
	TotalErrors    int64 `json:"total_errors"`
	TotalRetries   int64 `json:"total_retries"`
	TotalQueued    int64 `json:"total_queued"`
	TotalReplayed  int64 `json:"total_replayed"`
	TotalRefreshes int64 `json:"total_refreshes"`
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a collector bound to a private registry.
// Tests use this to avoid duplicate registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerline_client_requests_total",
				Help: "Total outbound requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerline_client_request_duration_seconds",
				Help:    "Outbound request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerline_client_retries_total",
				Help: "Retry attempts by error kind",
			},
			[]string{"kind"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerline_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"dependency"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerline_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"dependency", "from", "to"},
		),
		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerline_breaker_rejections_total",
				Help: "Calls rejected while the breaker was open",
			},
			[]string{"dependency"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerline_queue_depth",
				Help: "Offline queue depth by bucket (pending, failed)",
			},
			[]string{"bucket"},
		),
		QueueEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerline_queue_enqueued_total",
				Help: "Requests enqueued for offline replay",
			},
		),
		QueueEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerline_queue_evicted_total",
				Help: "Entries evicted because the queue was full",
			},
		),
		QueueReplays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerline_queue_replays_total",
				Help: "Replay attempts by outcome (success, retry, exhausted)",
			},
			[]string{"outcome"},
		),

		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerline_token_refresh_total",
				Help: "Token refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		RefreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledgerline_token_refresh_duration_seconds",
				Help:    "Token refresh round-trip duration",
				Buckets: prometheus.DefBuckets,
			},
		),
		ForcedLogouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerline_forced_logouts_total",
				Help: "Sessions terminated after refresh exhaustion",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledgerline_agent_uptime_seconds",
				Help: "Agent uptime in seconds",
			},
		),
	}
}

// RecordRequest records an outbound request outcome
func (m *Metrics) RecordRequest(method, outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if outcome != "success" && outcome != "queued" {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(kind string) {
	m.RetriesTotal.WithLabelValues(kind).Inc()

	m.mu.Lock()
	m.snapshot.TotalRetries++
	m.mu.Unlock()
}

// RecordBreakerState records the current breaker state as a gauge value
func (m *Metrics) RecordBreakerState(dependency string, state int) {
	m.BreakerState.WithLabelValues(dependency).Set(float64(state))
}

// RecordBreakerTransition records a breaker state transition
func (m *Metrics) RecordBreakerTransition(dependency, from, to string) {
	m.BreakerTransitions.WithLabelValues(dependency, from, to).Inc()
}

// RecordBreakerRejection records a fast-failed call
func (m *Metrics) RecordBreakerRejection(dependency string) {
	m.BreakerRejections.WithLabelValues(dependency).Inc()
}

// RecordQueueDepth records queue depth gauges
func (m *Metrics) RecordQueueDepth(pending, failed int) {
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordEnqueue records an accepted offline entry
func (m *Metrics) RecordEnqueue() {
	m.QueueEnqueued.Inc()

	m.mu.Lock()
	m.snapshot.TotalQueued++
	m.mu.Unlock()
}

// RecordEviction records an entry dropped to admit a newer one
func (m *Metrics) RecordEviction() {
	m.QueueEvicted.Inc()
}

// RecordReplay records a replay attempt outcome
func (m *Metrics) RecordReplay(outcome string) {
	m.QueueReplays.WithLabelValues(outcome).Inc()

	if outcome == "success" {
		m.mu.Lock()
		m.snapshot.TotalReplayed++
		m.mu.Unlock()
	}
}

// RecordRefresh records a token refresh attempt
func (m *Metrics) RecordRefresh(outcome string, duration time.Duration) {
	m.RefreshTotal.WithLabelValues(outcome).Inc()
	m.RefreshDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRefreshes++
	m.mu.Unlock()
}

// RecordForcedLogout records a refresh-exhaustion logout
func (m *Metrics) RecordForcedLogout() {
	m.ForcedLogouts.Inc()
}

// UpdateUptime refreshes the uptime gauge
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// GetSnapshot returns current counters for the JSON diag API
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
