// Package config loads the developer harness's configuration from an
// optional TOML file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	LOC_CFG_LOAD  = "SYN_CFG_001"
	LOC_CFG_VALID = "SYN_CFG_002"
	LOC_CFG_PATH  = "SYN_CFG_003"
)

// HarnessConfig holds the CLI harness's configuration: where its SQLite
// file lives, what metrics endpoint (if any) to serve, logging
// verbosity, and how aggressively to retry commands that hit a BUSY
// database.
type HarnessConfig struct {
	DatabasePath  string `mapstructure:"database_path"`
	LogLevel      string `mapstructure:"log_level"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
	BusyRetries   int    `mapstructure:"busy_retries"`
	BusyBackoffMs int    `mapstructure:"busy_backoff_ms"`

	ConfigDir string
}

// BusyBackoff returns the configured backoff between BUSY retries.
func (c *HarnessConfig) BusyBackoff() time.Duration {
	return time.Duration(c.BusyBackoffMs) * time.Millisecond
}

// LoadConfig loads configuration from the TOML file at path, or from
// SYNCCORE_CONFIG if path is empty. Missing config is not an error: the
// harness falls back to its defaults for ephemeral/in-memory use.
func LoadConfig(path string) (*HarnessConfig, error) {
	if path == "" {
		path = os.Getenv("SYNCCORE_CONFIG")
	}

	v := viper.New()
	v.SetDefault("database_path", ":memory:")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("busy_retries", 3)
	v.SetDefault("busy_backoff_ms", 50)

	v.AutomaticEnv()
	v.SetEnvPrefix("SYNCCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &HarnessConfig{}

	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path: %w (%s)", err, LOC_CFG_PATH)
		}
		if _, err := os.Stat(expanded); err == nil {
			v.SetConfigFile(expanded)
			v.SetConfigType("toml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w (%s)", expanded, err, LOC_CFG_LOAD)
			}
			cfg.ConfigDir = filepath.Dir(expanded)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w (%s)", expanded, err, LOC_CFG_LOAD)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal harness config: %w (%s)", err, LOC_CFG_LOAD)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *HarnessConfig) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty (%s)", LOC_CFG_VALID)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q (%s)", c.LogLevel, LOC_CFG_VALID)
	}
	if c.BusyRetries < 1 {
		return fmt.Errorf("busy_retries must be at least 1, got %d (%s)", c.BusyRetries, LOC_CFG_VALID)
	}
	if c.BusyBackoffMs < 0 {
		return fmt.Errorf("busy_backoff_ms must not be negative, got %d (%s)", c.BusyBackoffMs, LOC_CFG_VALID)
	}
	return nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return filepath.Abs(path)
}
