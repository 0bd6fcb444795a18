package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersion is stamped at build time via -ldflags.
var buildVersion = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the stashd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "stashd", buildVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
