// ============================================================================
// Lotto-Search CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the search orchestrator
//
// Command Structure:
//   lottosearch                    # Root command
//   ├── serve                      # HTTP surface, runner, backups
//   ├── generate                   # Enumerate a space into the persisted queue
//   ├── status                     # Print the queue manifest
//   ├── simulate                   # Evaluate one job through the fallback unit
//   ├── export                     # Write done jobs to a Parquet file
//   ├── journal                    # Replay the local result event journal
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// Every command works on the persisted queue named by store.path/store.url,
// so generate/status/export can run against a stopped server's snapshot.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kdotropez/loto-news/internal/config"
	"github.com/Kdotropez/loto-news/internal/enumerator"
	"github.com/Kdotropez/loto-news/internal/evaluator"
	"github.com/Kdotropez/loto-news/internal/events"
	"github.com/Kdotropez/loto-news/internal/export"
	"github.com/Kdotropez/loto-news/internal/history"
	"github.com/Kdotropez/loto-news/internal/jobmanager"
	"github.com/Kdotropez/loto-news/internal/snapshot"
	"github.com/Kdotropez/loto-news/internal/worker"
	"github.com/Kdotropez/loto-news/pkg/types"
)

var configFile string

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lottosearch",
		Short: "Lotto-Search: a combinatorial search orchestrator",
		Long: `Lotto-Search enumerates a space of evaluation jobs and schedules them with:
- a durable, resumable job queue
- a background runner with HTTP dispatch and a deterministic local fallback
- server-sent progress events
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildGenerateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	config.InitLogger(cfg)
	return cfg, nil
}

// openStore opens the persisted queue. The caller closes the snapshot manager.
func openStore(ctx context.Context, cfg *config.Config) (*jobmanager.JobManager, *snapshot.Manager, error) {
	snap, err := snapshot.Open(ctx, cfg.SnapshotConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	store := jobmanager.NewJobManager(snap)
	if err := store.Load(ctx); err != nil {
		snap.Close()
		return nil, nil, fmt.Errorf("failed to load queue: %w", err)
	}
	return store, snap, nil
}

// ============================================================================
// generate
// ============================================================================

func buildGenerateCommand() *cobra.Command {
	var space types.SpaceConfig

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Enumerate a search space into the persisted queue",
		Long: `Expand pattern combinations x target sizes x history windows into a
fresh queue. The previous queue is replaced and every job starts pending.
A negative --history-size uses the number of draws in the configured history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateQueue(cmd, space)
		},
	}

	cmd.Flags().StringSliceVarP(&space.PatternIDs, "patterns", "p", nil, "pattern identifiers (comma separated)")
	cmd.Flags().IntVar(&space.MaxLength, "max-length", 1, "maximum combination length")
	cmd.Flags().IntVar(&space.KMin, "k-min", 6, "smallest target size")
	cmd.Flags().IntVar(&space.KMax, "k-max", 6, "largest target size")
	cmd.Flags().IntVar(&space.HistorySize, "history-size", -1, "number of historical draws to cover")
	cmd.Flags().IntVar(&space.BatchSize, "batch-size", 100, "draws per job window")
	cmd.MarkFlagRequired("patterns")

	return cmd
}

func generateQueue(cmd *cobra.Command, space types.SpaceConfig) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if space.HistorySize < 0 {
		n, err := historySize(ctx, cfg)
		if err != nil {
			return err
		}
		space.HistorySize = n
	}

	jobs, err := enumerator.Enumerate(space)
	if err != nil {
		return err
	}

	store, snap, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer snap.Close()

	if err := store.ReplaceGenerated(ctx, space, jobs); err != nil {
		return fmt.Errorf("failed to replace queue: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Generated %d jobs (patterns=%s, k=%d..%d, history=%d, batch=%d)\n",
		len(jobs), strings.Join(space.PatternIDs, ","), space.KMin, space.KMax, space.HistorySize, space.BatchSize)
	return nil
}

func historySize(ctx context.Context, cfg *config.Config) (int, error) {
	src, closeFn, err := history.Open(ctx, cfg.HistoryOptions())
	if err != nil {
		return 0, fmt.Errorf("failed to open history: %w", err)
	}
	defer closeFn()

	draws, err := src.Draws(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read history: %w", err)
	}
	return len(draws), nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		Long:  "Display the manifest of the persisted queue: search space and job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the manifest as JSON")
	return cmd
}

func showStatus(cmd *cobra.Command, asJSON bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, snap, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer snap.Close()

	m := store.Manifest()
	out := cmd.OutOrStdout()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}

	fmt.Fprintln(out, "Lotto-Search Queue Status")
	fmt.Fprintln(out, "=========================")
	fmt.Fprintf(out, "Config File:  %s\n", configFile)
	fmt.Fprintf(out, "Store:        %s\n", snap.GetKey())
	if m.Space != nil {
		fmt.Fprintf(out, "Patterns:     %s (max length %d)\n", strings.Join(m.Space.PatternIDs, ","), m.Space.MaxLength)
		fmt.Fprintf(out, "Target Sizes: %d..%d\n", m.Space.KMin, m.Space.KMax)
		fmt.Fprintf(out, "History:      %d draws in windows of %d\n", m.Space.HistorySize, m.Space.BatchSize)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Total:   %d\n", m.Counts.Total)
	fmt.Fprintf(out, "Pending: %d\n", m.Counts.Pending)
	fmt.Fprintf(out, "Running: %d\n", m.Counts.Running)
	fmt.Fprintf(out, "Done:    %d\n", m.Counts.Done)
	fmt.Fprintf(out, "Error:   %d\n", m.Counts.Error)
	if m.Counts.Total > 0 {
		fmt.Fprintf(out, "Progress: %.1f%%\n", float64(m.Counts.Terminal())/float64(m.Counts.Total)*100)
	}
	return nil
}

// ============================================================================
// simulate
// ============================================================================

func buildSimulateCommand() *cobra.Command {
	var (
		jobID  string
		target string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Evaluate one queued job through the fallback unit",
		Long: `Run a job from the persisted queue through the worker fallback. Without
--target the evaluator is treated as unreachable, so the output is the
deterministic synthesized stats for that job id. The queue is not modified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulateJob(cmd, types.JobID(jobID), target)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&target, "target", "", "evaluator base URL to try first")
	cmd.MarkFlagRequired("job")

	return cmd
}

func simulateJob(cmd *cobra.Command, jobID types.JobID, target string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, snap, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer snap.Close()

	job, ok := store.GetJob(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, jobID)
	}

	var primary evaluator.Service
	if target != "" {
		primary = evaluator.NewClient(target, cfg.Evaluator.Timeout)
	}

	start := time.Now()
	outcome, err := worker.NewFallback(primary, cfg.Runner.SliceSize).Execute(cmd.Context(), job)
	if err != nil {
		var jobErr *worker.JobError
		if errors.As(err, &jobErr) {
			return fmt.Errorf("job %s failed: %w", jobErr.JobID, jobErr.Err)
		}
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		JobID      types.JobID `json:"jobId"`
		Fallback   bool        `json:"fallback"`
		DurationMs int64       `json:"durationMs"`
		Stats      types.Stats `json:"stats"`
	}{job.ID, outcome.Fallback, time.Since(start).Milliseconds(), outcome.Stats})
}

// ============================================================================
// export
// ============================================================================

func buildExportCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export done jobs to Parquet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportResults(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "results.parquet", "output file")
	return cmd
}

func exportResults(cmd *cobra.Command, out string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, snap, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer snap.Close()

	n, err := export.WriteFile(out, store.Jobs())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d results to %s\n", n, out)
	return nil
}

func buildJournalCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Replay the local result event journal",
		Long:  "Prints every record of the journal written when events.url is a file:// URL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayJournal(cmd, path)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "journal file (default: events.url)")
	return cmd
}

func replayJournal(cmd *cobra.Command, path string) error {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !strings.HasPrefix(cfg.Events.URL, "file://") {
			return fmt.Errorf("events.url %q is not a file:// journal; pass --path", cfg.Events.URL)
		}
		path = strings.TrimPrefix(cfg.Events.URL, "file://")
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var done, failed int
	err := events.ReplayJournal(path, func(r events.Record) error {
		if r.Event.Status == types.StatusError {
			failed++
		} else {
			done++
		}
		return enc.Encode(r)
	})
	if err != nil {
		return fmt.Errorf("failed to replay journal %s: %w", path, err)
	}

	fmt.Fprintf(out, "Replayed %d events (done=%d, error=%d)\n", done+failed, done, failed)
	return nil
}
