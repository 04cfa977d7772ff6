package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"jobsync/internal/devserver"
	"jobsync/internal/observability"
)

func runDevserver(args []string) error {
	fs := flag.NewFlagSet("devserver", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	cfg, common := loadConfig(fs)
	addr := fs.String("addr", cfg.DevserverAddr, "listen address")
	state := fs.String("state", cfg.DevserverState, "JSON file that keeps job history (empty = memory only)")
	step := fs.Duration("step", 2*time.Second, "time between simulated pipeline steps")
	heartbeat := fs.Duration("heartbeat", 15*time.Second, "push heartbeat interval")
	cors := fs.String("cors", "", "comma-separated allowed origins for browser clients")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.apply(cfg)
	if err != nil {
		return err
	}

	var origins []string
	for _, o := range strings.Split(*cors, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	logger := observability.NewLogger(os.Stderr, observability.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	srv, err := devserver.New(devserver.Options{
		Addr:              strings.TrimSpace(*addr),
		StatePath:         strings.TrimSpace(*state),
		StepInterval:      *step,
		HeartbeatInterval: *heartbeat,
		QRTTL:             cfg.QRTTL,
		CORSOrigins:       origins,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.MetricsAddr != "" {
		observability.StartMetricsServer(ctx, cfg.MetricsAddr, logger)
	}
	return srv.Run(ctx)
}
