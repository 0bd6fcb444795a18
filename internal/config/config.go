// Package config loads and validates stashd configuration.
//
// Sources, in increasing precedence: built-in defaults, an optional YAML
// config file, and STASHD_* environment variables.
package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// StoreConfig configures the shared key-value store connection.
type StoreConfig struct {
	// URL is a redis:// connection URL. Empty disables the remote store
	// entirely and forces the in-memory fallback.
	URL         string        `mapstructure:"url" yaml:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// WorkerConfig describes the external worker executable.
type WorkerConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	// Dir is the working directory the worker runs in; its output lands
	// under Cache.Root.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// JobsConfig tunes job persistence and log buffering.
type JobsConfig struct {
	TTL              time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxLogLines      int           `mapstructure:"max_log_lines" yaml:"max_log_lines"`
	LogBatchSize     int           `mapstructure:"log_batch_size" yaml:"log_batch_size"`
	LogBufferLines   int           `mapstructure:"log_buffer_lines" yaml:"log_buffer_lines"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
}

// DedupeConfig tunes duplicate-request suppression.
type DedupeConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// CacheConfig tunes disk cache tracking and eviction.
type CacheConfig struct {
	Root string        `mapstructure:"root" yaml:"root"`
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// MaxBytes is the quota. Zero means unlimited (eviction disabled).
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
	// EvictThreshold is the usage fraction that triggers eviction.
	EvictThreshold float64 `mapstructure:"evict_threshold" yaml:"evict_threshold"`
	// EvictTarget is the usage fraction eviction drives usage down to.
	EvictTarget float64 `mapstructure:"evict_target" yaml:"evict_target"`
}

// CleanerConfig tunes the periodic scan cleaner.
type CleanerConfig struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	Cooldown   time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	Archive    bool          `mapstructure:"archive" yaml:"archive"`
	ArchiveDir string        `mapstructure:"archive_dir" yaml:"archive_dir"`
	Exclude    []string      `mapstructure:"exclude" yaml:"exclude"`
}

// Config is the root configuration object passed to every component.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Worker  WorkerConfig  `mapstructure:"worker" yaml:"worker"`
	Jobs    JobsConfig    `mapstructure:"jobs" yaml:"jobs"`
	Dedupe  DedupeConfig  `mapstructure:"dedupe" yaml:"dedupe"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Cleaner CleanerConfig `mapstructure:"cleaner" yaml:"cleaner"`
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Jobs.MaxLogLines <= 0 {
		return fmt.Errorf("jobs.max_log_lines must be positive")
	}
	if c.Jobs.LogBatchSize <= 0 {
		return fmt.Errorf("jobs.log_batch_size must be positive")
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must not be negative")
	}
	if c.Cache.EvictThreshold <= 0 || c.Cache.EvictThreshold > 1 {
		return fmt.Errorf("cache.evict_threshold must be in (0, 1]")
	}
	if c.Cache.EvictTarget <= 0 || c.Cache.EvictTarget > 1 {
		return fmt.Errorf("cache.evict_target must be in (0, 1]")
	}
	// A threshold at or below the target makes eviction a no-op loop:
	// the trigger fires but the goal is already met.
	if c.Cache.EvictThreshold <= c.Cache.EvictTarget {
		return fmt.Errorf("cache.evict_threshold (%.2f) must be greater than cache.evict_target (%.2f)",
			c.Cache.EvictThreshold, c.Cache.EvictTarget)
	}
	if c.Cleaner.Archive && c.Cleaner.ArchiveDir == "" {
		return fmt.Errorf("cleaner.archive_dir is required when cleaner.archive is enabled")
	}
	if c.Cleaner.Interval <= 0 {
		return fmt.Errorf("cleaner.interval must be positive")
	}
	return nil
}
