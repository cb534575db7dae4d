package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/miaoyq/leafscan/pkg/types"
	"go.uber.org/zap"
)

const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Listener receives every connectivity change.
type Listener = func(state types.NetworkState)

type subscription struct {
	id uint64
	fn Listener
}

// Options tunes the probe cadence.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor tracks network reachability by probing on a fixed interval and on
// demand, and notifies subscribers when the state changes.
type Monitor struct {
	mu        sync.RWMutex
	state     types.NetworkState
	listeners []subscription
	nextID    uint64

	probeMu  sync.Mutex
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a new connectivity monitor. Nothing is probed until
// Start or Refresh is called.
func NewMonitor(prober Prober, opts Options, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}

	return &Monitor{
		prober:   prober,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start probes immediately and then on every interval until ctx is done or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("Starting connectivity monitor",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout))

	m.Refresh(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Refresh(ctx)
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop stops the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	m.logger.Info("Connectivity monitor stopped")
}

// State returns the last observed state.
func (m *Monitor) State() types.NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Refresh probes right away and returns the resulting state. Probe errors
// are treated as disconnection and never returned.
func (m *Monitor) Refresh(ctx context.Context) types.NetworkState {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	next := types.NetworkState{ObservedAt: m.now()}
	code, err := m.prober.Probe(probeCtx)
	if err != nil {
		reachable := false
		next.IsReachable = &reachable
		m.logger.Debug("Connectivity probe failed", zap.Error(err))
	} else {
		reachable := code < http.StatusInternalServerError
		next.IsConnected = true
		next.IsReachable = &reachable
	}

	m.apply(next)
	return next
}

// apply stores next and fans it out if the connectivity fields changed.
func (m *Monitor) apply(next types.NetworkState) {
	m.mu.Lock()
	changed := !m.state.SameAs(next)
	m.state = next
	var listeners []subscription
	if changed {
		listeners = make([]subscription, len(m.listeners))
		copy(listeners, m.listeners)
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("Network state changed",
		zap.Bool("connected", next.IsConnected),
		zap.Bool("online", next.Online()))

	for _, l := range listeners {
		l.fn(next)
	}
}

// Subscribe registers fn for state changes. Listeners are called in
// registration order. The returned function removes the listener and is
// safe to call more than once.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// ListenerCount returns the number of registered listeners.
func (m *Monitor) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// WaitForConnection returns true as soon as the network is online, or false
// once timeout elapses or ctx is done. The internal listener is always
// removed before returning.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.State().Online() {
		return true
	}

	online := make(chan struct{}, 1)
	unsubscribe := m.Subscribe(func(state types.NetworkState) {
		if state.Online() {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// the state may have flipped between the first check and Subscribe
	if m.State().Online() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-online:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
