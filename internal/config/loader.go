package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Load reads configuration from defaults, an optional YAML file, and
// STASHD_* environment variables. An empty path skips the file source.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STASHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.url", "redis://localhost:6379/0")
	v.SetDefault("store.dial_timeout", 3*time.Second)

	v.SetDefault("worker.command", "")
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.dir", "")

	v.SetDefault("jobs.ttl", 24*time.Hour)
	v.SetDefault("jobs.max_log_lines", 5000)
	v.SetDefault("jobs.log_batch_size", 10)
	v.SetDefault("jobs.log_buffer_lines", 10000)
	v.SetDefault("jobs.progress_interval", 500*time.Millisecond)

	v.SetDefault("dedupe.enabled", true)
	v.SetDefault("dedupe.lock_ttl", time.Hour)

	v.SetDefault("cache.root", "")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.max_bytes", int64(0))
	v.SetDefault("cache.evict_threshold", 0.9)
	v.SetDefault("cache.evict_target", 0.8)

	v.SetDefault("cleaner.interval", 10*time.Minute)
	v.SetDefault("cleaner.cooldown", time.Minute)
	v.SetDefault("cleaner.archive", false)
	v.SetDefault("cleaner.archive_dir", "")
	v.SetDefault("cleaner.exclude", []string{})
}
