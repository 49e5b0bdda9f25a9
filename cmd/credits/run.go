package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/credits/pkg/cli"
	"mercator-hq/credits/pkg/config"
	"mercator-hq/credits/pkg/ledger"
	"mercator-hq/credits/pkg/server"
	"mercator-hq/credits/pkg/telemetry/health"
	"mercator-hq/credits/pkg/telemetry/logging"
	"mercator-hq/credits/pkg/telemetry/metrics"
	"mercator-hq/credits/pkg/telemetry/tracing"
)

var runFlags struct {
	listenAddress string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ledger daemon",
	Long: `Run the ledger daemon: the refill scheduler, alerting, and the
operational HTTP listener serving metrics and health probes.

The configuration is reloaded on SIGHUP and, with watch.enabled, whenever
the file changes. Alert thresholds, the refill schedule, and the log level
apply immediately; other changes need a restart.

Examples:
  credits run --config /etc/credits/credits.yaml
  credits run --config credits.yaml --listen 0.0.0.0:9090
  credits run --config credits.yaml --dry-run`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override server.listen_address")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "build every component, then exit")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(cfgFile); err != nil {
		return cli.NewConfigError("config", err.Error())
	}
	cfg := config.GetConfig()
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}

	logger, err := newLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Slog())

	ctx, stop := cli.SetupSignalHandler(commandContext(cmd))
	defer stop()

	tracer, err := tracing.New(&cfg.Telemetry.Tracing, Version)
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("tracing: %w", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)

	manager, err := ledger.NewManager(ctx, cfg,
		ledger.WithLogger(logger.Slog()),
		ledger.WithMetrics(collector),
		ledger.WithTracer(tracer.Tracer()),
	)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("ledger close failed", "error", err)
		}
	}()

	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
	manager.RegisterHealthChecks(checker)

	if runFlags.dryRun {
		status := checker.CheckReadiness(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "configuration valid, readiness %s\n", status.Status)
		if status.Status != "ready" {
			return cli.NewCommandError("run", errors.New("store not ready"))
		}
		return nil
	}

	if err := manager.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenerEnabled() {
		srv := server.NewServer(cfg, checker, collector,
			server.WithLogger(logger.Slog()),
			server.WithBuildInfo(server.BuildInfo{Version: Version, Commit: GitCommit, BuildTime: BuildDate}),
		)
		g.Go(func() error { return srv.Start(gctx) })
	}

	reload := func(next *config.Config) {
		applyReload(logger, manager, next)
	}

	if cfg.Watch.Enabled && cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, cfg.Watch.Debounce, logger.Slog())
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		defer watcher.Stop()
		g.Go(func() error { return watcher.Watch(gctx, reload) })
	}

	hup, stopHUP := cli.ReloadSignals()
	defer stopHUP()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if cfgFile == "" {
					logger.Warn("SIGHUP ignored: no config file")
					continue
				}
				next, err := config.ReloadConfig(cfgFile)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				reload(next)
			}
		}
	})

	logger.Info("credits daemon started",
		"version", Version,
		"backend", cfg.Storage.Backend,
		"listen", cfg.Server.ListenAddress,
		"tracing", tracer.Enabled(),
	)

	if err := g.Wait(); err != nil {
		return cli.NewCommandError("run", err)
	}
	logger.Info("credits daemon stopped")
	return nil
}

// applyReload applies the hot-reloadable settings of next.
func applyReload(logger *logging.Logger, manager *ledger.Manager, next *config.Config) {
	config.SetConfig(next)
	if err := logger.SetLevel(next.Telemetry.Logging.Level); err != nil {
		logger.Warn("log level not changed", "error", err)
	}
	if err := manager.ApplyConfig(next); err != nil {
		logger.Error("config reload partially applied", "error", err)
		return
	}
	logger.Info("config applied")
}
