package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Kdotropez/loto-news/internal/controller"
)

// InitLogger installs the default slog logger described by cfg.Log
func InitLogger(cfg *Config) {
	initLogger(cfg, os.Stdout)
}

func initLogger(cfg *Config, w io.Writer) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	controller.SetLogger(logger)

	slog.Info("Logger initialized",
		"level", cfg.Log.Level,
		"format", cfg.Log.Format,
	)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
