package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stashd/internal/observability"
	"github.com/3leaps/stashd/internal/server"
	"github.com/3leaps/stashd/internal/server/handlers"
	"github.com/3leaps/stashd/pkg/cache"
	"github.com/3leaps/stashd/pkg/cleaner"
	"github.com/3leaps/stashd/pkg/dedupe"
	"github.com/3leaps/stashd/pkg/jobs"
	"github.com/3leaps/stashd/pkg/sharedstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stashd HTTP service",
	Long: `Start the HTTP API: job control, cache bookkeeping, and the periodic
cache cleaner.

Examples:
  stashd serve
  stashd serve --config /etc/stashd/config.yaml
  STASHD_SERVER_PORT=9000 stashd serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Worker.Command == "" {
		return fmt.Errorf("worker.command is required to serve")
	}
	if cfg.Cache.Root == "" {
		return fmt.Errorf("cache.root is required to serve")
	}
	if err := os.MkdirAll(cfg.Cache.Root, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.CoreLogger

	store := sharedstore.Connect(ctx, sharedstore.Config{
		URL:         cfg.Store.URL,
		DialTimeout: cfg.Store.DialTimeout,
	}, log.Named("store"))
	defer store.Close()

	registry := jobs.NewRegistry(store, jobs.Config{
		WorkerCommand:    cfg.Worker.Command,
		WorkerArgs:       cfg.Worker.Args,
		WorkerDir:        cfg.Worker.Dir,
		TTL:              cfg.Jobs.TTL,
		MaxLogLines:      cfg.Jobs.MaxLogLines,
		LogBatchSize:     cfg.Jobs.LogBatchSize,
		LogBufferLines:   cfg.Jobs.LogBufferLines,
		ProgressInterval: cfg.Jobs.ProgressInterval,
	}, log.Named("jobs"))

	guard := dedupe.NewGuard(store, cfg.Dedupe.LockTTL, cfg.Dedupe.Enabled, log.Named("dedupe"))
	launcher := jobs.NewLauncher(registry, guard, log.Named("launcher"))

	manager, err := cache.NewManager(store, cache.Config{
		Root:           cfg.Cache.Root,
		TTL:            cfg.Cache.TTL,
		MaxBytes:       cfg.Cache.MaxBytes,
		EvictThreshold: cfg.Cache.EvictThreshold,
		EvictTarget:    cfg.Cache.EvictTarget,
	}, log.Named("cache"))
	if err != nil {
		return err
	}

	// Completed jobs leave their output somewhere under the cache root;
	// track whichever directory the worker touched.
	launcher.OnFinished = func(s *jobs.Summary) {
		if s.Status != jobs.StatusCompleted {
			return
		}
		dir, ok := cache.ResolveOutputDir(manager.Root(), s.CreatedAt)
		if !ok {
			log.Warn("no output directory found for finished job",
				zap.String("job_id", s.ID))
			return
		}
		if _, err := manager.Register(context.Background(), dir); err != nil {
			log.Warn("register job output failed",
				zap.String("job_id", s.ID),
				zap.String("dir", dir),
				zap.Error(err))
		}
	}

	sched := cleaner.NewScheduler(
		cleaner.New(manager, cleanerConfig(), log.Named("cleaner")),
		cfg.Cleaner.Interval,
		cfg.Cleaner.Cooldown,
		log.Named("cleaner"),
	)
	sched.Start()
	defer sched.Stop()

	srv := server.New(cfg.Server.Host, cfg.Server.Port, &handlers.Handlers{
		Launcher:  launcher,
		Registry:  registry,
		Cache:     manager,
		Scheduler: sched,
		Store:     store,
		Version:   buildVersion,
	})
	return srv.Run(ctx)
}

func cleanerConfig() cleaner.Config {
	c := cleaner.Config{Excludes: cfg.Cleaner.Exclude}
	if cfg.Cleaner.Archive {
		c.ArchiveDir = cfg.Cleaner.ArchiveDir
	}
	return c
}
