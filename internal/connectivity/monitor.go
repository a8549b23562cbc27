// Package connectivity observes whether the remote endpoint is reachable
// and publishes online/offline transitions. It stores nothing and retries
// nothing; draining the queue on reconnect is the sync engine's job.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is one observed transition.
type Event struct {
	Online bool
	At     time.Time
}

// ProbeFunc reports whether the network path to the server is currently
// up. Any response counts; classifying HTTP statuses is not its concern.
type ProbeFunc func(ctx context.Context) bool

// Monitor polls the probe and fans out transitions to subscribers.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration

	mu          sync.Mutex
	online      bool
	subscribers map[int]chan Event
	nextID      int

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewMonitor(probe ProbeFunc, interval time.Duration) *Monitor {
	return &Monitor{
		probe:       probe,
		interval:    interval,
		subscribers: make(map[int]chan Event),
	}
}

// Online returns the last observed state. The monitor starts offline
// until the first probe says otherwise.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers for transition events. The returned cancel function
// releases the subscription; events that a slow subscriber cannot take
// are dropped, the current state is always available via Online.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, 8)
	m.subscribers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Start begins the polling loop. Returns an error if already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("connectivity monitor is already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.runLoop(ctx)

	slog.InfoContext(ctx, "Connectivity monitor started", "probe_interval", m.interval)
	return nil
}

// Stop gracefully stops the monitor and waits for completion.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		slog.InfoContext(ctx, "Connectivity monitor stopped")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Connectivity monitor stop timed out")
		return ctx.Err()
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

// IsRunning reports whether the polling loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) runLoop(ctx context.Context) {
	defer close(m.doneCh)

	// Establish the initial state right away instead of waiting a tick
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and publishes a transition when the state flipped.
// Exposed so a manual sync request can re-verify connectivity first.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		return online
	}
	m.online = online

	slog.InfoContext(ctx, "Connectivity changed", "online", online)
	ev := Event{Online: online, At: time.Now()}
	// Sent under the lock so a concurrent unsubscribe cannot close a
	// channel mid-publish; sends never block.
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			slog.WarnContext(ctx, "Dropped connectivity event for slow subscriber")
		}
	}
	return online
}
