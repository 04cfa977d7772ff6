package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"jobsync/internal/observability"
	"jobsync/internal/reconcile"
	"jobsync/internal/store"
)

type Options struct {
	// PushURL is the websocket feed. Empty disables the push channel.
	PushURL       string
	PushHeader    http.Header
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	ReadTimeout   time.Duration
	SlowInterval  time.Duration
	FastInterval  time.Duration
	Logger        *slog.Logger
}

// Manager owns the push channel and both pull loops for one engine. The
// slow loop always runs; the fast loop runs while any job is active.
type Manager struct {
	store  *store.Store
	push   *Push
	slow   *Poller
	fast   *Poller
	logger *slog.Logger
	wake   chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()

	listenMu  sync.Mutex
	listeners map[int]func(bool)
	nextID    int
}

func New(lister Lister, engine *reconcile.Engine, opts Options) *Manager {
	logger := observability.OrDefault(opts.Logger)
	if opts.FastInterval <= 0 {
		opts.FastInterval = 800 * time.Millisecond
	}
	m := &Manager{
		store:     engine.Store(),
		logger:    logger,
		wake:      make(chan struct{}, 1),
		listeners: map[int]func(bool){},
	}
	if opts.PushURL != "" {
		m.push = NewPush(engine, PushOptions{
			URL:            opts.PushURL,
			Header:         opts.PushHeader,
			ReconnectBase:  opts.ReconnectBase,
			ReconnectMax:   opts.ReconnectMax,
			ReadTimeout:    opts.ReadTimeout,
			Logger:         logger,
			OnConnectivity: m.notify,
		})
	}
	m.slow = NewPoller(lister, engine, PollerOptions{Name: "pull_slow", Interval: opts.SlowInterval, Immediate: true, Logger: logger})
	m.fast = NewPoller(lister, engine, PollerOptions{Name: "pull_fast", Interval: opts.FastInterval, Logger: logger})

	order := newSnapshotOrder()
	m.slow.order, m.fast.order = order, order
	if m.push != nil {
		m.push.order = order
	}
	return m
}

// Start launches every transport. Calling it while running is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	m.unsubscribe = m.store.Subscribe(func(store.Change) {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	})
	if m.push != nil {
		m.push.Start(runCtx)
	}
	m.slow.Start(runCtx)
	go m.run(runCtx, m.done)
}

// Stop shuts every transport down and waits for their loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done, unsubscribe := m.cancel, m.done, m.unsubscribe
	m.cancel = nil
	m.unsubscribe = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	unsubscribe()
	cancel()
	<-done
	if m.push != nil {
		m.push.Stop()
	}
	m.slow.Stop()
	m.fast.Stop()
	m.slow.Wait()
	m.fast.Wait()
}

// Connected reports push channel health, the only transport signal the UI shows.
func (m *Manager) Connected() bool {
	return m.push != nil && m.push.Connected()
}

func (m *Manager) FastPolling() bool {
	return m.fast.Running()
}

// OnConnectivity registers fn for connectivity changes and returns a
// function that unregisters it.
func (m *Manager) OnConnectivity(fn func(connected bool)) func() {
	m.listenMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenMu.Unlock()
	return func() {
		m.listenMu.Lock()
		delete(m.listeners, id)
		m.listenMu.Unlock()
	}
}

func (m *Manager) notify(connected bool) {
	m.listenMu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenMu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	m.adjustFastPoll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.adjustFastPoll(ctx)
		}
	}
}

func (m *Manager) adjustFastPoll(ctx context.Context) {
	active := m.store.ActiveCount()
	switch {
	case active > 0 && !m.fast.Running():
		m.logger.Debug("fast poll on", "active_jobs", active)
		m.fast.Start(ctx)
	case active == 0 && m.fast.Running():
		m.logger.Debug("fast poll off")
		m.fast.Stop()
	}
}
