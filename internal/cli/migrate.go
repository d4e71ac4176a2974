package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/halcyon-interactive/driftsync/internal/store"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the local store schema",
		Long: `Apply or inspect schema migrations on the local store.

Opening the store applies pending migrations automatically; these commands
exist for inspecting schema state and for rolling back during development.`,
	}

	cmd.AddCommand(newMigrateUpCommand(), newMigrateStatusCommand(), newMigrateDownCommand())
	return cmd
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Open applies pending migrations before returning.
			db, err := store.Open(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			migrator := store.NewMigrator(db.DB)
			version, err := migrator.CurrentVersion()
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d (%s)\n",
				version, filepath.Join(cfg.DataDir, "driftsync.db"))
			return nil
		},
	}
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			migrator := store.NewMigrator(db.DB)
			applied, err := migrator.GetAppliedMigrations()
			if err != nil {
				return fmt.Errorf("list migrations: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tDESCRIPTION\tAPPLIED AT")
			for _, m := range applied {
				fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, m.Description,
					m.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newMigrateDownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			migrator := store.NewMigrator(db.DB)
			if err := migrator.Down(); err != nil {
				return fmt.Errorf("rollback: %w", err)
			}

			version, err := migrator.CurrentVersion()
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to version %d\n", version)
			return nil
		},
	}
}
