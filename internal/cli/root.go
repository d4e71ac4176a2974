// Package cli provides the driftsync command line entry points: the
// reference backend, the client sync loop, the first-run bulk upload, and
// schema migration management.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halcyon-interactive/driftsync/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

// NewRootCommand creates the root driftsync command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "driftsync",
		Short: "Offline-first content and progression sync engine",
		Long: `driftsync keeps game-client state synchronized with a backend over
an unreliable link: player writes land locally first and flush in the
background, content tables are pulled and cached for offline reads, and
divergent records reconcile by last-write-wins.

Configuration comes from DRIFTSYNC_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.AddCommand(
		NewServeCommand(),
		NewSyncCommand(),
		NewBulkUploadCommand(),
		NewMigrateCommand(),
		newVersionCommand(),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the driftsync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "driftsync %s\n", Version)
		},
	}
}

// loadConfig parses the environment configuration for a subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}
