package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stashd/internal/observability"
	"github.com/3leaps/stashd/pkg/cache"
	"github.com/3leaps/stashd/pkg/cleaner"
	"github.com/3leaps/stashd/pkg/sharedstore"
)

var cleanDryRun bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Run one cache sweep now",
	Long: `Sweep the cache root once: expired entries, over-quota entries, and
untracked directories are archived (if configured) and removed.

Examples:
  stashd clean
  stashd clean --dry-run`,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "Report what would be removed without touching anything")
}

func runClean(cmd *cobra.Command, args []string) error {
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

	c := cleanerConfig()
	c.DryRun = cleanDryRun
	stats, err := cleaner.New(manager, c, log).Run(ctx)
	if err != nil {
		return err
	}

	log.Info("sweep complete",
		zap.Int("scanned", stats.Scanned),
		zap.Int("expired", stats.Expired),
		zap.Int("evicted", stats.Evicted),
		zap.Int("orphans", stats.Orphans),
		zap.Int("excluded", stats.Excluded),
		zap.Int("locked", stats.Locked),
		zap.Int("copied", stats.Copied),
		zap.Int("removed", stats.Removed),
		zap.Int("errors", stats.Errors))
	if stats.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors", stats.Errors)
	}
	return nil
}
