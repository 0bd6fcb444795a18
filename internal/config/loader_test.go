package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)

		assert.Equal(t, 24*time.Hour, cfg.Jobs.TTL)
		assert.Equal(t, 5000, cfg.Jobs.MaxLogLines)
		assert.Equal(t, 10, cfg.Jobs.LogBatchSize)
		assert.Equal(t, 500*time.Millisecond, cfg.Jobs.ProgressInterval)

		assert.True(t, cfg.Dedupe.Enabled)
		assert.Equal(t, time.Hour, cfg.Dedupe.LockTTL)

		assert.Equal(t, 0.9, cfg.Cache.EvictThreshold)
		assert.Equal(t, 0.8, cfg.Cache.EvictTarget)

		assert.Equal(t, 10*time.Minute, cfg.Cleaner.Interval)
		assert.False(t, cfg.Cleaner.Archive)
	})

	t.Run("FileOverrides", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "stashd.yaml")
		body := `
server:
  port: 9000
jobs:
  max_log_lines: 200
  progress_interval: 250ms
cache:
  max_bytes: 1073741824
`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 200, cfg.Jobs.MaxLogLines)
		assert.Equal(t, 250*time.Millisecond, cfg.Jobs.ProgressInterval)
		assert.Equal(t, int64(1<<30), cfg.Cache.MaxBytes)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("STASHD_SERVER_PORT", "7070")
		t.Setenv("STASHD_LOGGING_LEVEL", "debug")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("ThresholdBelowTargetRejected", func(t *testing.T) {
		cfg := base()
		cfg.Cache.EvictThreshold = 0.7
		cfg.Cache.EvictTarget = 0.8
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "evict_threshold")
	})

	t.Run("ThresholdEqualTargetRejected", func(t *testing.T) {
		cfg := base()
		cfg.Cache.EvictThreshold = 0.8
		cfg.Cache.EvictTarget = 0.8
		require.Error(t, cfg.Validate())
	})

	t.Run("ArchiveRequiresDir", func(t *testing.T) {
		cfg := base()
		cfg.Cleaner.Archive = true
		cfg.Cleaner.ArchiveDir = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("BadPortRejected", func(t *testing.T) {
		cfg := base()
		cfg.Server.Port = 70000
		require.Error(t, cfg.Validate())
	})
}
