package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Kdotropez/loto-news/internal/config"
	"github.com/Kdotropez/loto-news/internal/controller"
	"github.com/Kdotropez/loto-news/internal/evaluator"
	"github.com/Kdotropez/loto-news/internal/events"
	"github.com/Kdotropez/loto-news/internal/history"
	"github.com/Kdotropez/loto-news/internal/jobmanager"
	"github.com/Kdotropez/loto-news/internal/metrics"
	"github.com/Kdotropez/loto-news/internal/progress"
	"github.com/Kdotropez/loto-news/internal/server"
	"github.com/Kdotropez/loto-news/internal/snapshot"
	"github.com/Kdotropez/loto-news/internal/worker"
)

func buildServeCommand() *cobra.Command {
	var autoStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP surface and the runner",
		Long: `Serve the queue, runner, evaluation and progress endpoints.
Interrupted jobs are returned to pending at startup. SIGINT/SIGTERM stop
the runner, wait for in-flight jobs and write a final snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("autostart") {
				cfg.Runner.AutoStart = autoStart
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().BoolVar(&autoStart, "autostart", false, "start the runner immediately (overrides runner.auto_start)")
	return cmd
}

// runServe wires every component and blocks until ctx ends or the HTTP
// server fails.
func runServe(ctx context.Context, cfg *config.Config) error {
	store, snap, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer snap.Close()

	// a previous process may have died mid-dispatch
	n, err := store.RequeueRunning(ctx)
	switch {
	case errors.Is(err, jobmanager.ErrPersistFailed):
		slog.Warn("Recovered jobs kept in memory but not persisted", "error", err)
	case err != nil:
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	case n > 0:
		slog.Info("Recovered interrupted jobs", "requeued_jobs", n)
	}

	src, closeHistory, err := history.Open(ctx, cfg.HistoryOptions())
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer closeHistory()

	publisher, err := events.Open(cfg.Events.URL, cfg.Events.Exchange)
	if err != nil {
		return fmt.Errorf("failed to open event publisher: %w", err)
	}
	defer publisher.Close()

	var (
		m        *metrics.Collector
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.NewCollector(reg)
		gatherer = reg
	}
	m.UpdateQueue(store.Counts())

	local := evaluator.NewLocal(src)
	factory := serviceFactory(local, cfg)

	runner := controller.NewRunner(store, factory, controller.Options{
		Metrics:   m,
		Publisher: publisher,
	})

	srv := server.New(cfg.Server.Addr, server.Deps{
		Store:          store,
		Runner:         runner,
		Evaluator:      local,
		Worker:         worker.NewFallback(factory(cfg.Runner.TargetAddress), cfg.Runner.SliceSize),
		Streamer:       progress.NewStreamer(store, cfg.Server.ProgressInterval, m),
		Metrics:        m,
		Gatherer:       gatherer,
		RunnerDefaults: cfg.RunnerConfig(),
		CORS:           cfg.Server.CORS,
	})

	if cfg.Snapshot.BackupSchedule != "" {
		backups, err := snapshot.NewBackupScheduler(snap, cfg.Snapshot.BackupSchedule, store.Snapshot,
			cfg.Snapshot.RetentionCount, func(string) { m.RecordBackup() })
		if err != nil {
			return err
		}
		backups.Start()
		defer backups.Stop()
		slog.Info("Snapshot backups scheduled",
			"schedule", cfg.Snapshot.BackupSchedule,
			"retention", cfg.Snapshot.RetentionCount)
	}

	if cfg.Runner.AutoStart {
		if err := runner.Start(ctx, cfg.RunnerConfig()); err != nil {
			return fmt.Errorf("failed to start runner: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("System started successfully",
		"addr", cfg.Server.Addr,
		"history_backend", cfg.History.Backend,
		"jobs", store.Counts().Total)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, stopping gracefully")
	case serveErr = <-errCh:
		if serveErr != nil {
			slog.Error("HTTP server failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}

	slog.Info("System stopped")
	return serveErr
}

// serviceFactory evaluates in-process for an empty address and over HTTP
// otherwise.
func serviceFactory(local evaluator.Service, cfg *config.Config) controller.ServiceFactory {
	return func(addr string) evaluator.Service {
		if addr == "" {
			return local
		}
		return evaluator.NewClient(addr, cfg.Evaluator.Timeout)
	}
}
