// Package connectivity tracks the online/offline signal and fans out
// transitions to subscribers. The monitor itself has no opinion on how the
// signal is produced: the surrounding app feeds Set from OS events, and the
// agent can run a periodic HTTP probe.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// Quality is an optional link-quality hint carried with the signal.
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityPoor    Quality = "poor"
	QualityGood    Quality = "good"
)

// Status is the current connectivity state.
type Status struct {
	Online  bool    `json:"online"`
	Quality Quality `json:"quality"`
}

// Monitor holds the connectivity state and notifies subscribers on change.
type Monitor struct {
	mu      sync.Mutex
	status  Status
	subs    map[int]chan Status
	nextSub int
}

// NewMonitor creates a monitor with the given initial state
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		status: Status{Online: online, Quality: QualityUnknown},
		subs:   make(map[int]chan Status),
	}
}

// Online reports the current state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Online
}

// Current returns the full status including the quality hint
func (m *Monitor) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Set updates the state and notifies subscribers if anything changed
func (m *Monitor) Set(online bool, quality Quality) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := Status{Online: online, Quality: quality}
	if next == m.status {
		return
	}
	m.status = next

	// Non-blocking sends under the lock: a canceled subscriber can never
	// race a closed channel, and a slow one drops transitions instead of
	// stalling the signal
	for _, ch := range m.subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// Subscribe returns a channel of status transitions and a cancel func.
// The channel is buffered; slow subscribers miss intermediate transitions
// but never block the monitor.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Status, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Probe is a connectivity check returning online plus a quality hint.
type Probe func(ctx context.Context) (bool, Quality)

// RunProbe periodically applies probe results until ctx is canceled.
func (m *Monitor) RunProbe(ctx context.Context, probe Probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online, quality := probe(ctx)
			m.Set(online, quality)
		}
	}
}
