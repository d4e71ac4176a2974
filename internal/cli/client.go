package cli

import (
	"fmt"

	"github.com/halcyon-interactive/driftsync/internal/config"
	"github.com/halcyon-interactive/driftsync/internal/events"
	"github.com/halcyon-interactive/driftsync/internal/store"
	"github.com/halcyon-interactive/driftsync/internal/sync/conflict"
	"github.com/halcyon-interactive/driftsync/internal/sync/content"
	"github.com/halcyon-interactive/driftsync/internal/sync/queue"
	"github.com/halcyon-interactive/driftsync/internal/sync/scheduler"
	"github.com/halcyon-interactive/driftsync/internal/sync/transport"
)

// clientStack is the assembled client-side engine.
type clientStack struct {
	repo  *store.Repository
	queue *queue.Queue
	sched *scheduler.Scheduler
	hub   *events.Hub
}

// buildClient wires the full client stack: local store, write queue, HTTP
// transport, conflict resolver, content manager, and scheduler. owner
// overrides the configured owner when non-empty; one of the two must be
// set.
func buildClient(cfg *config.Config, owner string, hub *events.Hub) (*clientStack, error) {
	if owner == "" {
		owner = cfg.OwnerID
	}
	if owner == "" {
		return nil, fmt.Errorf("owner is required: set DRIFTSYNC_OWNER_ID or pass --owner")
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	repo := store.NewRepository(db)

	q, err := queue.NewQueue(repo)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("initialize queue: %w", err)
	}

	tr := transport.NewHTTPTransport(cfg.ServerURL, owner, cfg.HTTPTimeout)
	sched := scheduler.NewScheduler(repo, q, tr, conflict.NewResolver(),
		content.NewManager(repo, tr), hub, scheduler.Options{
			OwnerID:          owner,
			Collections:      cfg.Collections,
			FlushInterval:    cfg.FlushInterval,
			BatchSize:        cfg.BatchSize,
			FailureThreshold: cfg.FailureThreshold,
			MaxBackoff:       cfg.MaxBackoff,
		})

	return &clientStack{repo: repo, queue: q, sched: sched, hub: hub}, nil
}

func (c *clientStack) close() {
	if c.hub != nil {
		c.hub.Close()
	}
	c.repo.Close()
}
