package cli

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"jobsync/internal/api"
	"jobsync/internal/command"
	"jobsync/internal/config"
	"jobsync/internal/observability"
	"jobsync/internal/reconcile"
	"jobsync/internal/store"
	"jobsync/internal/transport"
)

// commonFlags are the settings every command can override on its command line.
type commonFlags struct {
	api      *string
	ws       *string
	logLevel *string
}

// loadConfig registers the common flags with the environment values as
// defaults. Nothing is validated until apply.
func loadConfig(fs *flag.FlagSet) (config.Config, *commonFlags) {
	cfg := config.Load()
	flags := &commonFlags{
		api:      fs.String("api", cfg.APIURL, "backend base URL"),
		ws:       fs.String("ws", cfg.WSURL, "push feed URL (default: derived from --api)"),
		logLevel: fs.String("log-level", cfg.LogLevel, "debug|info|warn|error"),
	}
	return cfg, flags
}

// apply folds parsed flag values back into cfg.
func (f *commonFlags) apply(cfg config.Config) (config.Config, error) {
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(*f.api), "/")
	cfg.WSURL = strings.TrimSpace(*f.ws)
	cfg.LogLevel = strings.TrimSpace(*f.logLevel)
	return cfg, cfg.Validate()
}

func newAPIClient(cfg config.Config) (*api.Client, error) {
	return api.New(api.Options{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout})
}

// newLogger returns the command logger. Interactive commands own the
// terminal, so they log to the configured file instead of stderr.
func newLogger(cfg config.Config, interactive bool) (*slog.Logger, io.Closer, error) {
	level := observability.ParseLevel(cfg.LogLevel)
	if !interactive {
		return observability.NewLogger(os.Stderr, level, cfg.LogFormat), io.NopCloser(nil), nil
	}
	f, err := observability.OpenLogFile(cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	return observability.NewLogger(f, level, cfg.LogFormat), f, nil
}

// syncRuntime is the live job sync stack behind the watch panel.
type syncRuntime struct {
	cfg       config.Config
	logger    *slog.Logger
	client    *api.Client
	store     *store.Store
	engine    *reconcile.Engine
	commander *command.Commander
	transport *transport.Manager

	metrics *http.Server
	logs    io.Closer
}

func newSyncRuntime(ctx context.Context, cfg config.Config, interactive bool) (*syncRuntime, error) {
	logger, logs, err := newLogger(cfg, interactive)
	if err != nil {
		return nil, err
	}
	client, err := newAPIClient(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	pushURL, err := cfg.PushURL()
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	st := store.New()
	engine := reconcile.New(st, reconcile.Options{
		OptimismWindow:  cfg.OptimismWindow,
		MissedSnapshots: cfg.OptimismMissedSnapshots,
		Logger:          logger,
	})
	rt := &syncRuntime{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		store:     st,
		engine:    engine,
		commander: command.New(client, engine, logger),
		transport: transport.New(client, engine, transport.Options{
			PushURL:       pushURL,
			ReconnectBase: cfg.ReconnectBase,
			ReconnectMax:  cfg.ReconnectMax,
			SlowInterval:  cfg.SlowPoll,
			FastInterval:  cfg.FastPoll,
			Logger:        logger,
		}),
		logs: logs,
	}
	if cfg.MetricsAddr != "" {
		rt.metrics = observability.StartMetricsServer(ctx, cfg.MetricsAddr, logger)
	}
	logger.Info("sync runtime ready", "api", cfg.APIURL, "push", pushURL)
	return rt, nil
}

func (rt *syncRuntime) start(ctx context.Context) {
	rt.transport.Start(ctx)
}

func (rt *syncRuntime) close() {
	rt.transport.Stop()
	if rt.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.metrics.Shutdown(shutdownCtx)
	}
	_ = rt.logs.Close()
}
