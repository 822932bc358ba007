// Package queue durably records mutating requests made while disconnected
// and replays them in priority/age order once connectivity is confirmed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/client-go/internal/events"
	"github.com/ledgerline/client-go/internal/infrastructure/logging"
	"github.com/ledgerline/client-go/internal/infrastructure/monitoring"
	"github.com/ledgerline/client-go/internal/store"
	"github.com/ledgerline/client-go/internal/transport"
)

// Priority orders replay: higher first, then oldest first within a tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Entry is one durably queued request. Fully self-contained so it can be
// replayed after a restart.
type Entry struct {
	ID         string            `json:"id"`
	Request    transport.Request `json:"request"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	RetryCount uint              `json:"retry_count"`
	MaxRetries uint              `json:"max_retries"`
	Priority   Priority          `json:"priority"`
}

// Status summarizes queue contents for the caller and the diag API.
type Status struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// DrainResult reports one drain pass.
type DrainResult struct {
	Replayed  int  `json:"replayed"`
	Retried   int  `json:"retried"`
	Exhausted int  `json:"exhausted"`
	Stopped   bool `json:"stopped"` // connectivity lost mid-drain
}

// ReplayFunc replays one queued request. The resilient client supplies an
// implementation that bypasses re-enqueueing.
type ReplayFunc func(ctx context.Context, req *transport.Request) error

// Config tunes the queue.
type Config struct {
	Capacity          int
	MaxRetries        uint
	InterRequestDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = 100
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InterRequestDelay == 0 {
		c.InterRequestDelay = 2 * time.Second
	}
	return c
}

// persisted is the stored shape of the whole queue.
type persisted struct {
	Version int      `json:"version"`
	Pending []*Entry `json:"pending"`
	Failed  []*Entry `json:"failed"`
}

const persistVersion = 1

// Queue is the offline request queue. All mutations persist to the durable
// store immediately; a restart reproduces the identical ordered set.
type Queue struct {
	cfg     Config
	store   store.Store
	emitter *events.Emitter
	logger  *logging.Logger
	metrics *monitoring.Metrics
	online  func() bool

	mu       sync.Mutex
	pending  []*Entry
	failed   []*Entry
	draining bool
}

// New creates a queue, restoring any persisted entries. online reports
// whether connectivity is currently confirmed; Drain consults it before and
// between replays.
func New(cfg Config, st store.Store, emitter *events.Emitter, logger *logging.Logger, online func() bool) (*Queue, error) {
	q := &Queue{
		cfg:     cfg.withDefaults(),
		store:   st,
		emitter: emitter,
		logger:  logger,
		online:  online,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// WithMetrics adds metrics collection to the queue
func (q *Queue) WithMetrics(metrics *monitoring.Metrics) *Queue {
	q.metrics = metrics
	return q
}

// Enqueue records a request for later replay and returns its id. When the
// queue is full the oldest low-priority entry is evicted, or the oldest
// entry of any priority if none is low.
func (q *Queue) Enqueue(req transport.Request, priority Priority) (string, error) {
	q.mu.Lock()

	if len(q.pending) >= q.cfg.Capacity {
		q.evictLocked()
	}

	entry := &Entry{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now(),
		RetryCount: 0,
		MaxRetries: q.cfg.MaxRetries,
		Priority:   priority,
	}
	q.pending = append(q.pending, entry)
	pending := len(q.pending)

	err := q.persistLocked()
	if err != nil {
		// The store rejected the entry; the in-memory set must agree with
		// what the caller is told
		q.pending = q.pending[:len(q.pending)-1]
		q.mu.Unlock()
		return "", err
	}
	q.mu.Unlock()

	q.logger.Info("Request queued for replay",
		zap.String("id", entry.ID),
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.String("priority", priority.String()))

	q.emitter.Emit(events.Event{
		Type:      events.TypeRequestQueued,
		RequestID: entry.ID,
		Pending:   pending,
	})
	return entry.ID, nil
}

// RemoveByID deletes an entry from either bucket
func (q *Queue) RemoveByID(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.pending {
		if e.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.persistOrWarnLocked()
			return true
		}
	}
	for i, e := range q.failed {
		if e.ID == id {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			q.persistOrWarnLocked()
			return true
		}
	}
	return false
}

// Status reports pending/failed/total counts
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Pending: len(q.pending),
		Failed:  len(q.failed),
		Total:   len(q.pending) + len(q.failed),
	}
}

// Entries returns a copy of the pending entries in replay order
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.orderedLocked()
	out := make([]Entry, len(ordered))
	for i, e := range ordered {
		out[i] = *e
	}
	return out
}

// Drain replays pending entries sequentially in priority/age order. A drain
// already in progress makes this call a no-op; connectivity loss stops the
// pass immediately, leaving the remainder queued.
func (q *Queue) Drain(ctx context.Context, replay ReplayFunc) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{}, nil
	}
	if !q.online() {
		q.mu.Unlock()
		return DrainResult{}, nil
	}
	q.draining = true
	ordered := q.orderedLocked()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var result DrainResult
	for _, entry := range ordered {
		if ctx.Err() != nil {
			result.Stopped = true
			break
		}
		if !q.online() {
			result.Stopped = true
			break
		}

		err := replay(ctx, &entry.Request)
		if err == nil {
			q.RemoveByID(entry.ID)
			result.Replayed++
			continue
		}

		if entry.RetryCount < entry.MaxRetries {
			q.mu.Lock()
			entry.RetryCount++
			q.persistOrWarnLocked()
			q.mu.Unlock()
			result.Retried++

			q.logger.Debug("Replay failed, will retry",
				zap.String("id", entry.ID),
				zap.Uint("retry_count", entry.RetryCount),
				zap.Error(err))

			// Pace retries so a recovering backend is not hammered
			select {
			case <-ctx.Done():
				result.Stopped = true
			case <-time.After(q.cfg.InterRequestDelay):
			}
			if result.Stopped {
				break
			}
			continue
		}

		// Retries exhausted: out of the replay set, retained for manual retry
		q.exhaust(entry, err)
		result.Exhausted++
	}

	// An empty pass is not a sync; periodic triggers on an idle queue stay
	// silent
	if len(ordered) > 0 {
		status := q.Status()
		q.emitter.Emit(events.Event{
			Type:      events.TypeSyncSummary,
			Replayed:  result.Replayed,
			Exhausted: result.Exhausted,
			Pending:   status.Pending,
			Failed:    status.Failed,
		})
	}
	return result, nil
}

// RetryFailed resurrects exhausted entries with a zeroed retry count and
// runs a drain.
func (q *Queue) RetryFailed(ctx context.Context, replay ReplayFunc) (DrainResult, error) {
	q.mu.Lock()
	for _, e := range q.failed {
		e.RetryCount = 0
		q.pending = append(q.pending, e)
	}
	q.failed = nil
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		return DrainResult{}, err
	}

	return q.Drain(ctx, replay)
}

// evictLocked drops the oldest low-priority entry, or the oldest entry of
// any priority if none is low. Caller holds mu.
func (q *Queue) evictLocked() {
	victim := -1
	for i, e := range q.pending {
		if e.Priority != PriorityLow {
			continue
		}
		if victim == -1 || e.EnqueuedAt.Before(q.pending[victim].EnqueuedAt) {
			victim = i
		}
	}
	if victim == -1 {
		for i, e := range q.pending {
			if victim == -1 || e.EnqueuedAt.Before(q.pending[victim].EnqueuedAt) {
				victim = i
			}
		}
	}
	if victim == -1 {
		return
	}

	evicted := q.pending[victim]
	q.pending = append(q.pending[:victim], q.pending[victim+1:]...)
	if q.metrics != nil {
		q.metrics.RecordEviction()
	}
	q.logger.Warn("Queue full, evicted entry",
		zap.String("id", evicted.ID),
		zap.String("priority", evicted.Priority.String()))
}

// exhaust moves an entry to the failed bucket and fires its failure event.
// The bucket shares the queue's capacity bound: at the cap the oldest failed
// entry is dropped so the persisted blob cannot grow without limit.
func (q *Queue) exhaust(entry *Entry, cause error) {
	q.mu.Lock()
	for i, e := range q.pending {
		if e.ID == entry.ID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	if len(q.failed) >= q.cfg.Capacity {
		dropped := q.failed[0]
		q.failed = q.failed[1:]
		if q.metrics != nil {
			q.metrics.RecordEviction()
		}
		q.logger.Warn("Failed bucket full, dropped oldest entry",
			zap.String("id", dropped.ID))
	}
	q.failed = append(q.failed, entry)
	q.persistOrWarnLocked()
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordReplay("exhausted")
	}

	q.logger.Warn("Replay retries exhausted",
		zap.String("id", entry.ID),
		zap.String("method", entry.Request.Method),
		zap.String("url", entry.Request.URL),
		zap.Error(cause))

	q.emitter.Emit(events.Event{
		Type:      events.TypeReplayFailed,
		RequestID: entry.ID,
		Err:       cause,
	})
}

// orderedLocked returns pending entries by priority descending then age
// ascending. Caller holds mu.
func (q *Queue) orderedLocked() []*Entry {
	ordered := make([]*Entry, len(q.pending))
	copy(ordered, q.pending)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].EnqueuedAt.Before(ordered[j].EnqueuedAt)
	})
	return ordered
}

func (q *Queue) load() error {
	data, err := q.store.Get(store.KeyOfflineQueue)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to decode persisted queue: %w", err)
	}
	q.pending = p.Pending
	q.failed = p.Failed
	return nil
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(persisted{
		Version: persistVersion,
		Pending: q.pending,
		Failed:  q.failed,
	})
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	return q.store.Set(store.KeyOfflineQueue, data)
}

func (q *Queue) persistOrWarnLocked() {
	if err := q.persistLocked(); err != nil {
		q.logger.Warn("Failed to persist queue", zap.Error(err))
	}
}
