package main

import (
	"log/slog"
	"os"

	"github.com/powersync-ja/powersync-sqlite-core/internal/config"
)

func createLogger(cfg *config.HarnessConfig) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func loadHarnessConfig() (*config.HarnessConfig, error) {
	return config.LoadConfig(configPath)
}
