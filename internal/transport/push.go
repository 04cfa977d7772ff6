package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"jobsync/internal/observability"
	"jobsync/internal/reconcile"
)

type PushOptions struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// ReconnectBase is the first reconnect delay; it doubles per failed
	// attempt up to ReconnectMax.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// ReadTimeout closes a connection that delivers nothing, heartbeats
	// included, for this long.
	ReadTimeout    time.Duration
	Logger         *slog.Logger
	OnConnectivity func(connected bool)
}

// Push keeps one websocket connection to the job feed open, reconnecting
// with backoff. It never reports errors to the caller.
type Push struct {
	sink   Sink
	opts   PushOptions
	logger *slog.Logger
	order  *snapshotOrder

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

func NewPush(sink Sink, opts PushOptions) *Push {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 3 * time.Second
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = opts.ReconnectBase
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	return &Push{
		sink:   sink,
		opts:   opts,
		logger: observability.OrDefault(opts.Logger).With("transport", "push"),
		order:  newSnapshotOrder(),
	}
}

// Start connects in the background. Calling it while running is a no-op.
func (p *Push) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.gen++
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, p.gen, p.done)
}

// Stop closes the connection and cancels any pending reconnect. Frames that
// were already read are discarded.
func (p *Push) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.gen++
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.setConnected(false)
}

func (p *Push) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Push) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Push) live(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}

func (p *Push) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		opened, err := p.session(ctx, gen)
		p.setConnected(false)
		if ctx.Err() != nil || !p.live(gen) {
			return
		}
		if opened {
			attempt = 0
		}
		delay := backoff(p.opts.ReconnectBase, p.opts.ReconnectMax, attempt)
		attempt++
		observability.PushReconnects.Inc()
		p.logger.Warn("push channel closed, reconnecting", "error", err, "delay", delay.String(), "attempt", attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails. opened reports whether the
// handshake succeeded.
func (p *Push) session(ctx context.Context, gen uint64) (opened bool, err error) {
	conn, resp, err := p.opts.Dialer.DialContext(ctx, p.opts.URL, p.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", p.opts.URL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if !p.live(gen) {
		return true, nil
	}
	p.setConnected(true)
	p.logger.Info("push channel connected", "url", p.opts.URL)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout)); err != nil {
			return true, err
		}
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return true, closeErr
			}
			return true, fmt.Errorf("read frame: %w", err)
		}
		if !p.live(gen) {
			return true, nil
		}
		if err := p.handle(conn, frame); err != nil {
			return true, err
		}
	}
}

func (p *Push) handle(conn *websocket.Conn, frame Frame) error {
	switch frame.Type {
	case FrameInit:
		var res reconcile.Result
		if !p.order.apply(p.order.ticket(), func() { res = p.sink.ApplyInitial(frame.Jobs) }) {
			return nil
		}
		observability.SnapshotsApplied.WithLabelValues("push_init").Inc()
		p.logger.Debug("applied initial list", "jobs", len(frame.Jobs), "inserted", res.Inserted, "removed", res.Removed)
	case FrameJobUpdate:
		if frame.Job == nil {
			p.logger.Warn("job_update frame without job")
			return nil
		}
		p.sink.ApplyDelta(*frame.Job)
	case FrameHeartbeat:
		if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return err
		}
		if err := conn.WriteJSON(Frame{Type: FramePing}); err != nil {
			return fmt.Errorf("answer heartbeat: %w", err)
		}
	default:
		p.logger.Debug("ignoring unknown frame", "type", frame.Type)
	}
	return nil
}

func (p *Push) setConnected(connected bool) {
	p.mu.Lock()
	changed := p.connected != connected
	p.connected = connected
	p.mu.Unlock()
	if !changed {
		return
	}
	if connected {
		observability.PushConnected.Set(1)
	} else {
		observability.PushConnected.Set(0)
	}
	if p.opts.OnConnectivity != nil {
		p.opts.OnConnectivity(connected)
	}
}

func backoff(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit)
}
