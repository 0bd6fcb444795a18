// Package observability owns the process-wide zap loggers.
//
// Loggers are initialized once from config at startup. Before Init is called
// every logger is a no-op, so library code can log unconditionally.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is used by cobra command plumbing.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP layer.
	ServerLogger = zap.NewNop()

	// CoreLogger is the parent logger for job, cache, and cleaner components.
	CoreLogger = zap.NewNop()
)

// Init builds the shared loggers from the configured level and format.
// Format "console" gives human-readable output; anything else is JSON.
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(strings.ToLower(level)))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	root, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	CLILogger = root.Named("cli")
	ServerLogger = root.Named("server")
	CoreLogger = root.Named("core")
	return nil
}

// Sync flushes buffered log entries. Safe to call on no-op loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
	_ = CoreLogger.Sync()
}
