package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyon-interactive/driftsync/internal/events"
	"github.com/halcyon-interactive/driftsync/internal/logging"
	"github.com/halcyon-interactive/driftsync/internal/server"
	"github.com/halcyon-interactive/driftsync/internal/store"
)

// NewServeCommand creates the serve command: the reference sync backend.
func NewServeCommand() *cobra.Command {
	var ephemeral bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync backend",
		Long: `Run the reference sync backend over the local sqlite store.

The backend serves the content fetch endpoints, the record push/pull
endpoints with last-write-wins arbitration, the owner erasure hook, and a
websocket event stream for presentation clients.

Example:
  driftsync serve
  DRIFTSYNC_LISTEN_ADDR=:9000 driftsync serve --ephemeral`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, ephemeral)
		},
	}

	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "use an in-memory store (data is lost on exit)")
	return cmd
}

func runServe(cmd *cobra.Command, ephemeral bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var db *store.DB
	if ephemeral {
		db, err = store.OpenMemory()
	} else {
		db, err = store.Open(cfg.DataDir)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	repo := store.NewRepository(db)
	defer repo.Close()

	hub := events.NewHub()
	defer hub.Close()

	srv := server.NewServer(repo, hub, cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Backend listening on %s. Press Ctrl-C to stop.\n", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return fmt.Errorf("backend stopped: %w", err)
	case sig := <-sigCh:
		logging.Info("Shutting down on signal", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
