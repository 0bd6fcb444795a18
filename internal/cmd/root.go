// Package cmd wires the stashd CLI.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stashd/internal/config"
	"github.com/3leaps/stashd/internal/observability"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "stashd",
	Short: "Download job supervisor and disk cache manager",
	Long: `stashd runs external download workers as supervised jobs, coalesces
duplicate requests, and keeps the download cache within its TTL and quota.

Examples:
  stashd serve                     # Run the HTTP service
  stashd clean --dry-run           # Preview a cache sweep
  stashd stats                     # Show cache usage
  stashd config show               # Print the effective configuration`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := observability.Init(c.Logging.Level, c.Logging.Format); err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (YAML)")
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error("command failed", zap.Error(err))
		observability.Sync()
		os.Exit(1)
	}
}
