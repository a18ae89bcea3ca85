package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWithNoFile(t *testing.T) {
	t.Setenv("SYNCCORE_CONFIG", "")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.DatabasePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "", cfg.MetricsAddr)
}

func TestLoadConfigReadsTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path = "/tmp/sync.db"
log_level = "debug"
metrics_addr = ":9090"
`), 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sync.db", cfg.DatabasePath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, dir, cfg.ConfigDir)
}

func TestLoadConfigMissingFileIsNotAnError(t *testing.T) {
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.DatabasePath)
}

func TestLoadConfigUsesEnvOverride(t *testing.T) {
	t.Setenv("SYNCCORE_LOG_LEVEL", "warn")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfigRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.toml")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "verbose"`), 0o644))

	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateRejectsEmptyDatabasePath(t *testing.T) {
	cfg := &config.HarnessConfig{DatabasePath: "", LogLevel: "info"}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsEachKnownLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := &config.HarnessConfig{DatabasePath: ":memory:", LogLevel: level, BusyRetries: 1}
		assert.NoError(t, cfg.Validate(), "level %q should be valid", level)
	}
}

func TestValidateRejectsZeroBusyRetries(t *testing.T) {
	cfg := &config.HarnessConfig{DatabasePath: ":memory:", LogLevel: "info", BusyRetries: 0}
	assert.Error(t, cfg.Validate())
}

func TestBusyRetryDefaults(t *testing.T) {
	t.Setenv("SYNCCORE_CONFIG", "")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.BusyRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.BusyBackoff())
}
