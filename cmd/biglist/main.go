package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "biglist",
		Short: "Run the biglist services",
		Long: `biglist runs the bug tracker, user management and LINE bot services
that talk to each other over RabbitMQ, plus operator tools for the
dead-letter queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (BIGLIST_* variables override it)")

	rootCmd.AddCommand(
		newUsersCmd(&configPath),
		newBugsCmd(&configPath),
		newLinebotCmd(&configPath),
		newDLQCmd(&configPath),
	)
	return rootCmd
}
