package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halcyon-interactive/driftsync/internal/logging"
)

// NewSyncCommand creates the sync command: the long-running client engine.
func NewSyncCommand() *cobra.Command {
	var (
		owner string
		once  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the client sync engine",
		Long: `Run the client sync engine against the configured backend.

The engine flushes the local write queue on the configured cadence, pulls
the owner's records written from other devices, and keeps the content
cache fresh. With --once it runs a single flush cycle and exits, which is
useful from cron or a pre-shutdown hook.

Example:
  driftsync sync --owner player-42
  driftsync sync --owner player-42 --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, owner, once)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "principal to sync for (overrides DRIFTSYNC_OWNER_ID)")
	cmd.Flags().BoolVar(&once, "once", false, "run one flush cycle and exit")
	return cmd
}

func runSync(cmd *cobra.Command, owner string, once bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := buildClient(cfg, owner, nil)
	if err != nil {
		return err
	}
	defer client.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if once {
		if err := client.sched.FlushOnce(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		status := client.sched.GetStatus()
		fmt.Fprintf(cmd.OutOrStdout(), "Flush complete. Last success: %d\n", status.LastSuccessfulFlushAt)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client.sched.Start(ctx)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine running. Press Ctrl-C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logging.Info("Stopping on signal", map[string]interface{}{
		"signal": sig.String(),
	})

	client.sched.Stop()

	// One final flush so writes made moments before shutdown still land.
	if err := client.sched.FlushOnce(context.Background()); err != nil {
		logging.Warn("Final flush failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}
