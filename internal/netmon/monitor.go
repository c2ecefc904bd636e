// Package netmon observes connectivity to the remote store and
// publishes up/down transitions to subscribers. Only edges notify;
// steady state is silent.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc reports whether the remote store is reachable. The default
// probe issues an HTTP HEAD against the remote base URL; tests inject
// their own.
type ProbeFunc func(ctx context.Context) bool

type Listener func(online bool)

type Options struct {
	Probe    ProbeFunc
	Interval time.Duration
	Logger   *slog.Logger
}

type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	nextID    int

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(opts Options) *Monitor {
	probe := opts.Probe
	if probe == nil {
		probe = func(context.Context) bool { return true }
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		logger:    logger,
		online:    true,
		listeners: map[int]Listener{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// HTTPProbe probes reachability of baseURL with a short HEAD request.
func HTTPProbe(baseURL string, client *http.Client) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < 500
	}
}

// Start polls the probe until Stop or context cancellation. At most
// one polling loop runs per Monitor.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, m.interval)
				online := m.probe(probeCtx)
				cancel()
				m.SetOnline(online)
			}
		}
	}()
}

// Stop ends the polling loop. Safe whether or not Start ever ran.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the state and notifies subscribers on a transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, listener := range listeners {
		listener(online)
	}
}

// Subscribe registers a transition listener and returns an unsubscribe
// func. Listeners run on the notifying goroutine and must not block.
func (m *Monitor) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
