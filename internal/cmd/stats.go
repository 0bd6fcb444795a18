package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stashd/internal/observability"
	"github.com/3leaps/stashd/pkg/cache"
	"github.com/3leaps/stashd/pkg/sharedstore"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache usage",
	Long: `Print aggregate cache usage and the tracked directories, most recently
used first.

Examples:
  stashd stats`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	if cfg.Cache.Root == "" {
		return fmt.Errorf("cache.root is required")
	}

	ctx := context.Background()
	log := observability.CLILogger

	store := sharedstore.Connect(ctx, sharedstore.Config{
		URL:         cfg.Store.URL,
		DialTimeout: cfg.Store.DialTimeout,
	}, log)
	defer store.Close()

	manager, err := cache.NewManager(store, cache.Config{
		Root:           cfg.Cache.Root,
		TTL:            cfg.Cache.TTL,
		MaxBytes:       cfg.Cache.MaxBytes,
		EvictThreshold: cfg.Cache.EvictThreshold,
		EvictTarget:    cfg.Cache.EvictTarget,
	}, log)
	if err != nil {
		return err
	}

	stats, err := manager.Stats(ctx)
	if err != nil {
		return err
	}

	quota := "unlimited"
	if stats.MaxBytes > 0 {
		quota = humanize.IBytes(uint64(stats.MaxBytes))
	}
	log.Info("cache usage",
		zap.String("used", humanize.IBytes(uint64(stats.TotalBytes))),
		zap.String("quota", quota),
		zap.Int64("directories", stats.Directories),
		zap.Float64("usage_ratio", stats.UsageRatio))

	entries, err := manager.List(ctx, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		size := "expired"
		if e.SizeBytes >= 0 {
			size = humanize.IBytes(uint64(e.SizeBytes))
		}
		log.Info("cache entry",
			zap.String("dir", e.Path),
			zap.String("size", size),
			zap.String("last_used", humanize.Time(e.LastUsed)))
	}
	return nil
}
