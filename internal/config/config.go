// Package config loads the lottosearch configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Kdotropez/loto-news/internal/controller"
	"github.com/Kdotropez/loto-news/internal/history"
	"github.com/Kdotropez/loto-news/internal/snapshot"
	"github.com/Kdotropez/loto-news/pkg/middleware"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration
type Config struct {
	Server struct {
		Addr             string                `yaml:"addr"`
		ShutdownTimeout  time.Duration         `yaml:"shutdown_timeout"`
		ProgressInterval time.Duration         `yaml:"progress_interval"`
		CORS             middleware.CORSConfig `yaml:"cors"`
	} `yaml:"server"`

	// Store is where the job queue is persisted.
	Store struct {
		Path     string `yaml:"path"`
		URL      string `yaml:"url"` // bucket URL; overrides Path
		Key      string `yaml:"key"`
		Compress bool   `yaml:"compress"`
	} `yaml:"store"`

	// Snapshot controls scheduled backups of the persisted queue.
	Snapshot struct {
		BackupSchedule string `yaml:"backup_schedule"` // cron expression, empty disables
		RetentionCount int    `yaml:"retention_count"`
	} `yaml:"snapshot"`

	Runner struct {
		AutoStart     bool          `yaml:"auto_start"`
		TargetAddress string        `yaml:"target_address"` // empty evaluates in-process
		Interval      time.Duration `yaml:"interval"`
		SliceSize     int           `yaml:"slice_size"`
		BatchPerTick  int           `yaml:"batch_per_tick"`
		UseFallback   bool          `yaml:"use_fallback"`
	} `yaml:"runner"`

	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
	} `yaml:"worker"`

	History struct {
		Backend    string        `yaml:"backend"` // file, mongo or postgres
		Path       string        `yaml:"path"`
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		DSN        string        `yaml:"dsn"`
		Table      string        `yaml:"table"`
		Timeout    time.Duration `yaml:"timeout"`
		CacheTTL   time.Duration `yaml:"cache_ttl"`
	} `yaml:"history"`

	Evaluator struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"evaluator"`

	Events struct {
		URL      string `yaml:"url"` // amqp:// URL, empty disables publishing
		Exchange string `yaml:"exchange"`
	} `yaml:"events"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Addr = ":8080"
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.ProgressInterval = time.Second
	cfg.Server.CORS = middleware.DefaultCORS()

	cfg.Store.Path = "data/queue.snapshot.json"

	cfg.Snapshot.RetentionCount = 5

	cfg.Runner.Interval = controller.DefaultInterval
	cfg.Runner.SliceSize = controller.DefaultSliceSize
	cfg.Runner.BatchPerTick = controller.DefaultBatchPerTick

	cfg.Worker.WorkerCount = controller.DefaultWorkerCount
	cfg.Worker.TaskTimeout = controller.DefaultDispatchTimeout

	cfg.History.Backend = "file"
	cfg.History.Path = "data/history.json"
	cfg.History.Database = "lotto"
	cfg.History.Collection = "draws"
	cfg.History.Table = "draws"
	cfg.History.Timeout = 10 * time.Second
	cfg.History.CacheTTL = time.Minute

	cfg.Evaluator.Timeout = 10 * time.Second

	cfg.Events.Exchange = "lotto.results"

	cfg.Metrics.Enabled = true

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// Load reads path over the defaults, then applies LOTTO_* environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("Config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("LOTTO_HTTP_ADDR", c.Server.Addr)
	c.Server.ShutdownTimeout = getDurationEnv("LOTTO_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Store.Path = getEnv("LOTTO_STORE_PATH", c.Store.Path)
	c.Store.URL = getEnv("LOTTO_SNAPSHOT_URL", c.Store.URL)
	c.Store.Compress = getBoolEnv("LOTTO_SNAPSHOT_COMPRESS", c.Store.Compress)
	c.Snapshot.BackupSchedule = getEnv("LOTTO_BACKUP_SCHEDULE", c.Snapshot.BackupSchedule)

	c.Runner.AutoStart = getBoolEnv("LOTTO_RUNNER_AUTOSTART", c.Runner.AutoStart)
	c.Runner.TargetAddress = getEnv("LOTTO_RUNNER_TARGET", c.Runner.TargetAddress)
	c.Runner.Interval = getDurationEnv("LOTTO_RUNNER_INTERVAL", c.Runner.Interval)
	c.Runner.SliceSize = getIntEnv("LOTTO_RUNNER_SLICE_SIZE", c.Runner.SliceSize)
	c.Runner.BatchPerTick = getIntEnv("LOTTO_RUNNER_BATCH_PER_TICK", c.Runner.BatchPerTick)
	c.Runner.UseFallback = getBoolEnv("LOTTO_RUNNER_FALLBACK", c.Runner.UseFallback)

	c.Worker.WorkerCount = getIntEnv("LOTTO_WORKER_COUNT", c.Worker.WorkerCount)

	c.History.Backend = getEnv("LOTTO_HISTORY_BACKEND", c.History.Backend)
	c.History.Path = getEnv("LOTTO_HISTORY_PATH", c.History.Path)
	c.History.URI = getEnv("LOTTO_HISTORY_MONGO_URI", c.History.URI)
	c.History.DSN = getEnv("LOTTO_HISTORY_DSN", c.History.DSN)

	c.Events.URL = getEnv("LOTTO_EVENTS_URL", c.Events.URL)

	c.Log.Level = getEnv("LOTTO_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOTTO_LOG_FORMAT", c.Log.Format)
}

// Validate rejects values the components would refuse at start
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	case c.Store.Path == "" && c.Store.URL == "":
		return fmt.Errorf("%w: store.path or store.url is required", ErrInvalidConfig)
	case c.Snapshot.RetentionCount < 0:
		return fmt.Errorf("%w: snapshot.retention_count must not be negative", ErrInvalidConfig)
	case c.Runner.Interval <= 0:
		return fmt.Errorf("%w: runner.interval must be positive", ErrInvalidConfig)
	case c.Runner.SliceSize <= 0:
		return fmt.Errorf("%w: runner.slice_size must be positive", ErrInvalidConfig)
	case c.Runner.BatchPerTick <= 0:
		return fmt.Errorf("%w: runner.batch_per_tick must be positive", ErrInvalidConfig)
	case c.Worker.WorkerCount <= 0:
		return fmt.Errorf("%w: worker.worker_count must be positive", ErrInvalidConfig)
	case c.Worker.TaskTimeout <= 0:
		return fmt.Errorf("%w: worker.task_timeout must be positive", ErrInvalidConfig)
	case c.Evaluator.Timeout <= 0:
		return fmt.Errorf("%w: evaluator.timeout must be positive", ErrInvalidConfig)
	}

	switch c.History.Backend {
	case "file", "mongo", "postgres":
	default:
		return fmt.Errorf("%w: unknown history.backend %q", ErrInvalidConfig, c.History.Backend)
	}
	return nil
}

// RunnerConfig maps the runner and worker sections onto a runner config
func (c *Config) RunnerConfig() controller.Config {
	return controller.Config{
		TargetAddress:   c.Runner.TargetAddress,
		Interval:        c.Runner.Interval,
		SliceSize:       c.Runner.SliceSize,
		BatchPerTick:    c.Runner.BatchPerTick,
		DispatchTimeout: c.Worker.TaskTimeout,
		WorkerCount:     c.Worker.WorkerCount,
		UseFallback:     c.Runner.UseFallback,
	}
}

// SnapshotConfig maps the store section onto a snapshot config
func (c *Config) SnapshotConfig() snapshot.Config {
	return snapshot.Config{
		Path:     c.Store.Path,
		URL:      c.Store.URL,
		Key:      c.Store.Key,
		Compress: c.Store.Compress,
	}
}

// HistoryOptions maps the history section onto source options
func (c *Config) HistoryOptions() history.Options {
	return history.Options{
		Backend:    c.History.Backend,
		Path:       c.History.Path,
		URI:        c.History.URI,
		Database:   c.History.Database,
		Collection: c.History.Collection,
		DSN:        c.History.DSN,
		Table:      c.History.Table,
		Timeout:    c.History.Timeout,
		CacheTTL:   c.History.CacheTTL,
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		slog.Warn("Invalid integer value, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("Invalid duration value, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		slog.Warn("Invalid boolean value, using default", "key", key, "default", defaultValue)
	}
	return defaultValue
}
