// Command ingestd is the import daemon's entrypoint: no interactive CLI, just
// configuration, logging/tracing/storage wiring, an operator-facing metrics endpoint,
// then the poll-claim-import loop until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ingestd/internal/bootstrap"
	"ingestd/internal/config"
	"ingestd/internal/ingesterr"
	"ingestd/internal/logging"
	"ingestd/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/settings.yml", "path to the configuration document")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ingesterr.Wrap(ingesterr.FatalBoot, "failed to load configuration", err)
	}

	log, closeLog, err := logging.New(cfg.LogLevel, cfg.LogFilePath)
	if err != nil {
		return ingesterr.Wrap(ingesterr.FatalBoot, "failed to initialize logging", err)
	}
	defer closeLog()

	shutdownTrace, err := observability.InitTracingFromEnv("ingestd")
	if err != nil {
		return ingesterr.Wrap(ingesterr.FatalBoot, "failed to initialize tracing", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observability.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				log.Errorw("metrics server exited with error", "error", err)
			}
		}()
	}

	deps, err := bootstrap.NewDepsFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	lifecycle := &bootstrap.Lifecycle{Cfg: cfg, Deps: deps, Log: log}
	return lifecycle.Run(ctx)
}
