// Package scheduler is the sync orchestrator: the periodic flush timer, the
// app-lifecycle hooks, and the failure-state machine. It is the only
// component with a notion of time passing, and it serializes all flush
// cycles.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/halcyon-interactive/driftsync/internal/events"
	"github.com/halcyon-interactive/driftsync/internal/faults"
	"github.com/halcyon-interactive/driftsync/internal/logging"
	"github.com/halcyon-interactive/driftsync/internal/models"
	"github.com/halcyon-interactive/driftsync/internal/store"
	syncpkg "github.com/halcyon-interactive/driftsync/internal/sync"
	"github.com/halcyon-interactive/driftsync/internal/sync/conflict"
	"github.com/halcyon-interactive/driftsync/internal/sync/content"
	"github.com/halcyon-interactive/driftsync/internal/sync/queue"
	"github.com/halcyon-interactive/driftsync/internal/sync/transport"
	"github.com/halcyon-interactive/driftsync/internal/telemetry"
)

// State is the orchestrator's coarse condition.
type State string

const (
	StateIdle     State = "idle"
	StateFlushing State = "flushing"
	StateDegraded State = "degraded"
)

// Options configures the orchestrator.
type Options struct {
	OwnerID          string
	Collections      []string
	FlushInterval    time.Duration
	BatchSize        int
	FailureThreshold int

	// MaxBackoff caps how far apart flush attempts are spread after
	// consecutive failures.
	MaxBackoff time.Duration
}

func (o *Options) fillDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = queue.DefaultBatchSize
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
}

// Scheduler composes the queue, transport, resolver, and content manager
// into flush cycles. All collaborators are passed in at construction so each
// can be replaced by a test double.
type Scheduler struct {
	repo      *store.Repository
	queue     *queue.Queue
	transport syncpkg.Transport
	resolver  *conflict.Resolver
	content   *content.Manager
	hub       *events.Hub
	opts      Options
	backoff   *transport.Backoff

	// Serializes flush cycles: never two concurrent FlushOnce runs.
	flushMu stdsync.Mutex

	mu       stdsync.RWMutex
	state    State
	degraded bool
	running  bool

	stopCh chan struct{}
	kickCh chan struct{}
	wg     stdsync.WaitGroup
}

// NewScheduler creates a Scheduler. hub may be nil when no presentation
// client subscribes to events.
func NewScheduler(repo *store.Repository, q *queue.Queue, tr syncpkg.Transport,
	resolver *conflict.Resolver, contentMgr *content.Manager, hub *events.Hub, opts Options) *Scheduler {
	opts.fillDefaults()
	return &Scheduler{
		repo:      repo,
		queue:     q,
		transport: tr,
		resolver:  resolver,
		content:   contentMgr,
		hub:       hub,
		opts:      opts,
		backoff:   transport.NewBackoff(opts.FlushInterval, opts.MaxBackoff),
		state:     StateIdle,
		stopCh:    make(chan struct{}),
		kickCh:    make(chan struct{}, 1),
	}
}

// ===== Lifecycle Operations =====

// Start schedules periodic flushes. Lifecycle events trigger immediate
// out-of-band flushes through NotifyForeground/NotifyBackground.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Sync scheduler started", map[string]interface{}{
		"flush_interval": s.opts.FlushInterval.String(),
		"collections":    len(s.opts.Collections),
	})
}

// Stop cancels the periodic timer and waits for any in-progress flush to
// finish. No timer is left dangling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// NotifyForeground requests an immediate flush on app resume.
func (s *Scheduler) NotifyForeground() {
	s.kick()
}

// NotifyBackground requests a final flush before the app suspends.
func (s *Scheduler) NotifyBackground() {
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.opts.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
		case <-s.kickCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		// Failed cycles stretch the wait toward MaxBackoff; any success
		// snaps back to the normal cadence.
		wait := s.opts.FlushInterval
		if s.flushAndLog(ctx) != nil {
			wait = s.backoff.Next()
		} else {
			s.backoff.Reset()
		}
		timer.Reset(wait)
	}
}

func (s *Scheduler) flushAndLog(ctx context.Context) error {
	err := s.FlushOnce(ctx)
	if err != nil {
		logging.Warn("Flush cycle failed", map[string]interface{}{
			"error": err.Error(),
			"code":  string(faults.CodeOf(err)),
		})
	}
	return err
}

// ===== Flush Operations =====

// FlushOnce runs one full cycle: drain the write queue, reconcile pulled
// remote records, refresh the content cache. Each sub-step's failure is
// isolated: a content-refresh failure never blocks record push and vice
// versa. The returned error is the first fault encountered; the cycle still
// runs every step it can.
func (s *Scheduler) FlushOnce(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.setState(StateFlushing)
	if s.hub != nil {
		s.hub.BroadcastFlushStarted()
	}
	started := time.Now()

	cursor, err := s.repo.GetCursor()
	if err != nil {
		return s.settle(cursor, started, 0, 0, 0, 0, err)
	}
	pullSince := cursor.LastPullWatermark

	var firstErr error
	pushed := 0

	// Step 1: drain the write queue, batch by batch.
	for _, collection := range s.opts.Collections {
		n, err := s.drainCollection(ctx, collection, s.opts.BatchSize)
		pushed += n
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if faults.Is(err, faults.CodeAuth) {
				// Re-authentication required; nothing else will succeed.
				return s.settle(cursor, started, pushed, 0, 0, 0, firstErr)
			}
		}
	}

	// Step 2: pull and reconcile remote records.
	pulled, conflicts := 0, 0
	var watermark int64
	for _, collection := range s.opts.Collections {
		p, c, seen, err := s.reconcileCollection(ctx, collection, pullSince)
		pulled += p
		conflicts += c
		if seen > watermark {
			watermark = seen
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if faults.Is(err, faults.CodeAuth) {
				return s.settle(cursor, started, pushed, pulled, conflicts, watermark, firstErr)
			}
		}
	}

	// Step 3: content refresh, isolated from record sync.
	if err := s.content.EnsureFresh(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	return s.settle(cursor, started, pushed, pulled, conflicts, watermark, firstErr)
}

// drainCollection pushes batches until the queue for the collection is
// empty. Returns how many records the backend answered for.
func (s *Scheduler) drainCollection(ctx context.Context, collection string, batchSize int) (int, error) {
	pushed := 0
	for {
		batch, err := s.queue.NextBatch(collection, batchSize)
		if err != nil {
			return pushed, err
		}
		if batch == nil {
			return pushed, nil
		}

		results, err := s.transport.PushBatch(ctx, collection, batch.Outbound())
		if err != nil {
			if failErr := s.queue.Fail(batch); failErr != nil {
				return pushed, failErr
			}
			return pushed, err
		}
		if err := s.queue.MarkOutcome(batch, results); err != nil {
			return pushed, err
		}
		pushed += len(batch.Records)
	}
}

// reconcileCollection pulls remote records and folds them into the store
// through the resolver. The returned watermark is the highest server
// timestamp seen, fed back into the cursor so the next pull resumes past
// everything already reconciled.
func (s *Scheduler) reconcileCollection(ctx context.Context, collection string, since int64) (int, int, int64, error) {
	remotes, err := s.transport.PullOwnedRecords(ctx, collection, since)
	if err != nil {
		return 0, 0, 0, err
	}

	pulled, conflicts := 0, 0
	var watermark int64
	for _, remote := range remotes {
		applied, conflicted, err := s.applyRemote(collection, remote)
		if err != nil {
			return pulled, conflicts, watermark, err
		}
		if remote.ServerUpdatedAt > watermark {
			watermark = remote.ServerUpdatedAt
		}
		if applied {
			pulled++
		}
		if conflicted {
			conflicts++
		}
	}
	return pulled, conflicts, watermark, nil
}

// applyRemote folds one remote record into local state.
func (s *Scheduler) applyRemote(collection string, remote syncpkg.RemoteRecord) (applied, conflicted bool, err error) {
	remoteRec := &models.Record{
		RecordID:        models.UUID(remote.RecordID),
		Collection:      collection,
		OwnerID:         s.opts.OwnerID,
		Payload:         remote.Payload,
		LocalUpdatedAt:  remote.ServerUpdatedAt,
		ServerUpdatedAt: remote.ServerUpdatedAt,
		SyncState:       models.SyncStateSynced,
	}

	local, err := s.repo.GetRecord(collection, remote.RecordID)
	switch {
	case err == nil:
	case faults.Is(err, faults.CodeNotFound):
		local = nil
	default:
		return false, false, err
	}

	// No local counterpart: plain adoption.
	if local == nil {
		return true, false, s.repo.PutRecord(remoteRec)
	}

	// Already seen this remote version.
	if remote.ServerUpdatedAt <= local.ServerUpdatedAt {
		return false, false, nil
	}

	// Local is clean: apply without ceremony.
	if !conflict.IsConflict(local, remoteRec) {
		return true, false, s.repo.PutRecord(remoteRec)
	}

	resolution := s.resolver.Resolve(local, remoteRec)
	if resolution.ConflictLog != nil {
		if err := s.repo.CreateConflictLog(resolution.ConflictLog); err != nil {
			return false, false, err
		}
		if s.hub != nil {
			s.hub.BroadcastConflictDetected(collection, remote.RecordID,
				resolution.ConflictLog.Resolution)
		}
	}

	if resolution.Decision == conflict.DecisionKeepRemote {
		return true, true, s.repo.PutRecord(remoteRec)
	}

	// Local wins: acknowledge the remote version so this pair doesn't
	// re-conflict, and keep the local payload pending for push.
	local.ServerUpdatedAt = remote.ServerUpdatedAt
	return false, true, s.repo.PutRecord(local)
}

// settle records the cycle outcome: the failure counter, the degraded flag,
// and the cursor timestamps.
func (s *Scheduler) settle(cursor *models.SyncCursor, started time.Time, pushed, pulled, conflicts int, watermark int64, flushErr error) error {
	now := time.Now().UnixMilli()

	if cursor == nil {
		fresh, err := s.repo.GetCursor()
		if err != nil {
			s.setState(StateIdle)
			return flushErr
		}
		cursor = fresh
	}
	cursor.LastFlushAttemptAt = now

	if flushErr == nil {
		cursor.ConsecutiveFailureCount = 0
		cursor.LastSuccessfulFlushAt = started.UnixMilli()
	} else {
		cursor.ConsecutiveFailureCount++
	}
	// The watermark only ever moves forward, and only past records this
	// cycle actually reconciled.
	if watermark > cursor.LastPullWatermark {
		cursor.LastPullWatermark = watermark
	}

	if err := s.repo.SaveCursor(cursor); err != nil && flushErr == nil {
		flushErr = err
	}

	s.updateDegraded(cursor.ConsecutiveFailureCount, flushErr == nil)

	if flushErr == nil {
		s.setStateFromDegraded()
		duration := time.Since(started)
		if s.hub != nil {
			s.hub.BroadcastFlushCompleted(pushed, pulled, conflicts, duration)
		}
		telemetry.TrackEvent("flush_completed", map[string]interface{}{
			"pushed":    pushed,
			"pulled":    pulled,
			"conflicts": conflicts,
		})
		logging.Info("Flush cycle completed", map[string]interface{}{
			"pushed":      pushed,
			"pulled":      pulled,
			"conflicts":   conflicts,
			"duration_ms": duration.Milliseconds(),
		})
		return nil
	}

	s.setStateFromDegraded()
	if s.hub != nil {
		s.hub.BroadcastFlushFailed(string(faults.CodeOf(flushErr)), cursor.ConsecutiveFailureCount)
	}
	telemetry.TrackError("flush_failed", flushErr)
	return flushErr
}

func (s *Scheduler) updateDegraded(failures int, success bool) {
	s.mu.Lock()
	was := s.degraded
	if success {
		s.degraded = false
	} else if failures >= s.opts.FailureThreshold {
		s.degraded = true
	}
	changed := was != s.degraded
	now := s.degraded
	s.mu.Unlock()

	if changed {
		logging.Warn("Degraded indicator changed", map[string]interface{}{
			"degraded": now,
			"failures": failures,
		})
		if s.hub != nil {
			s.hub.BroadcastDegradedChanged(now)
		}
		telemetry.TrackEvent("degraded_changed", map[string]interface{}{"degraded": now})
	}
}

// ===== Bulk Upload Operations =====

// ForceBulkUpload flushes the entire queue without the normal batch-size
// cap, for first-run migration of a local-only dataset. progress, if
// non-nil, is called after each collection with cumulative counts.
func (s *Scheduler) ForceBulkUpload(ctx context.Context, progress func(done, total int)) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	total := 0
	for _, collection := range s.opts.Collections {
		n, err := s.queue.PendingCount(collection)
		if err != nil {
			return err
		}
		total += n
	}

	done := 0
	for _, collection := range s.opts.Collections {
		n, err := s.drainCollection(ctx, collection, 0)
		done += n
		if progress != nil {
			progress(done, total)
		}
		if err != nil {
			return err
		}
	}

	logging.Info("Bulk upload completed", map[string]interface{}{
		"records": done,
	})
	return nil
}

// ===== Status Operations =====

// IsDegraded is the engine's one UI-facing signal: true after the configured
// number of consecutive flush failures, false again on any success.
func (s *Scheduler) IsDegraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Status is a point-in-time snapshot for diagnostics.
type Status struct {
	State                   State
	Degraded                bool
	ConsecutiveFailureCount int
	LastFlushAttemptAt      int64
	LastSuccessfulFlushAt   int64
}

// GetStatus returns the current orchestrator status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	status := Status{
		State:    s.state,
		Degraded: s.degraded,
	}
	s.mu.RUnlock()

	if cursor, err := s.repo.GetCursor(); err == nil {
		status.ConsecutiveFailureCount = cursor.ConsecutiveFailureCount
		status.LastFlushAttemptAt = cursor.LastFlushAttemptAt
		status.LastSuccessfulFlushAt = cursor.LastSuccessfulFlushAt
	}
	return status
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) setStateFromDegraded() {
	s.mu.Lock()
	if s.degraded {
		s.state = StateDegraded
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()
}
