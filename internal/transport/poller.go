package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"jobsync/internal/observability"
	"jobsync/internal/reconcile"
)

type PollerOptions struct {
	// Name labels logs and metrics, e.g. pull_slow.
	Name     string
	Interval time.Duration
	// Immediate fetches once on start instead of waiting a full interval.
	Immediate bool
	Logger    *slog.Logger
}

// Poller fetches the full job list on a fixed interval and reconciles it.
// Fetch failures are logged and retried on the next tick.
type Poller struct {
	lister Lister
	sink   Sink
	opts   PollerOptions
	logger *slog.Logger
	order  *snapshotOrder

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(lister Lister, sink Sink, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Poller{
		lister: lister,
		sink:   sink,
		opts:   opts,
		logger: observability.OrDefault(opts.Logger).With("transport", opts.Name),
		order:  newSnapshotOrder(),
	}
}

// Start begins polling. Calling it while running is a no-op.
func (p *Poller) Start(ctx context.Context) {
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

// Stop halts polling without waiting for an in-flight fetch; its result is
// discarded. Use Wait to block until the loop has exited.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.gen++
	p.cancel()
	p.cancel = nil
}

// Wait blocks until the most recently started loop has exited.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) live(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}

func (p *Poller) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	if p.opts.Immediate {
		p.pollOnce(ctx, gen)
	}
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, gen)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, gen uint64) {
	ticket := p.order.ticket()
	jobs, err := p.lister.ListJobs(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.PollErrors.WithLabelValues(p.opts.Name).Inc()
		p.logger.Warn("job list fetch failed", "error", err)
		return
	}
	if !p.live(gen) {
		return
	}
	var res reconcile.Result
	applied := p.order.apply(ticket, func() {
		res = p.sink.ReconcileWithServerList(jobs)
	})
	if !applied {
		p.logger.Debug("dropping job list overtaken by a newer one", "jobs", len(jobs))
		return
	}
	observability.SnapshotsApplied.WithLabelValues(p.opts.Name).Inc()
	if res.Inserted+res.Removed+res.Expired+res.Dropped > 0 {
		p.logger.Debug("reconciled job list",
			"jobs", len(jobs),
			"inserted", res.Inserted,
			"updated", res.Updated,
			"removed", res.Removed,
			"expired", res.Expired,
			"dropped", res.Dropped,
		)
	}
}
