package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SnapshotsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsync_snapshots_applied_total",
		Help: "Full job lists reconciled into the store.",
	}, []string{"source"}) // source: push_init, pull_slow, pull_fast

	DeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobsync_deltas_applied_total",
		Help: "Single-job updates applied to the store.",
	})

	StaleUpdatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsync_stale_updates_dropped_total",
		Help: "Updates ignored because they would move a job backwards.",
	}, []string{"reason"}) // reason: terminal, regression, dismissed

	OptimisticExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobsync_optimistic_expired_total",
		Help: "Unacknowledged local rows dropped after the optimism window.",
	})

	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobsync_push_reconnects_total",
		Help: "Reconnect attempts scheduled for the push channel.",
	})

	PushConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobsync_push_connected",
		Help: "1 while the push channel is open.",
	})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsync_poll_errors_total",
		Help: "Failed job list fetches.",
	}, []string{"poller"})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsync_commands_total",
		Help: "Job commands issued against the backend.",
	}, []string{"command", "outcome"}) // outcome: ok, rejected, error

	QRAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsync_qr_attempts_total",
		Help: "QR handshake artifacts requested.",
	}, []string{"platform"})

	QRStaleResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobsync_qr_stale_responses_total",
		Help: "QR responses discarded because their attempt was superseded.",
	})
)

// StartMetricsServer exposes Prometheus metrics on addr until ctx is done.
func StartMetricsServer(ctx context.Context, addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}
