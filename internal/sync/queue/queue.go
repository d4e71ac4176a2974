// Package queue decides which pending records to send and in what batches.
package queue

import (
	"encoding/json"
	"fmt"
	stdsync "sync"

	"github.com/halcyon-interactive/driftsync/internal/faults"
	"github.com/halcyon-interactive/driftsync/internal/logging"
	"github.com/halcyon-interactive/driftsync/internal/models"
	"github.com/halcyon-interactive/driftsync/internal/store"
	syncpkg "github.com/halcyon-interactive/driftsync/internal/sync"
)

// DefaultBatchSize bounds one network call regardless of how large the queue
// has grown while offline.
const DefaultBatchSize = 100

// Queue is the write queue: an ordered view over records with
// sync_state = pending, backed by the durable store rather than memory so
// nothing is lost on crash.
type Queue struct {
	repo    *store.Repository
	mu      stdsync.Mutex
	blocked map[string]struct{}
}

// NewQueue creates a Queue and recovers records stranded in_flight by a
// previous process that terminated mid-flush.
func NewQueue(repo *store.Repository) (*Queue, error) {
	recovered, err := repo.ResetInFlight()
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		logging.Info("Recovered in-flight records after restart",
			map[string]interface{}{"count": recovered})
	}

	return &Queue{
		repo:    repo,
		blocked: make(map[string]struct{}),
	}, nil
}

// ===== Enqueue Operations =====

// Enqueue records a local mutation. Enqueuing the same recordId twice before
// a flush coalesces into the latest payload only; a record already in flight
// keeps its in-flight claim and is re-pushed after the current send settles.
func (q *Queue) Enqueue(collection, ownerID string, recordID models.UUID, payload json.RawMessage) (*models.Record, error) {
	q.mu.Lock()
	_, purged := q.blocked[ownerID]
	q.mu.Unlock()
	if purged {
		return nil, faults.New(faults.CodePermission,
			fmt.Sprintf("owner %s has been erased; refusing new writes", ownerID))
	}

	rec := &models.Record{
		RecordID:   recordID,
		Collection: collection,
		OwnerID:    ownerID,
		Payload:    payload,
	}
	rec.Touch()

	// The store decides the resulting sync_state atomically with the write:
	// a record currently being sent keeps its in-flight claim (the outcome
	// handler notices the newer timestamp and re-queues it), everything else
	// becomes pending. A read-then-write here would race the flush cycle's
	// own transitions.
	return q.repo.EnqueueWrite(rec)
}

// EnqueueDelete records a deletion as a tombstone payload, so remote peers
// observe it and a later write can still undo it.
func (q *Queue) EnqueueDelete(collection, ownerID string, recordID models.UUID) (*models.Record, error) {
	return q.Enqueue(collection, ownerID, recordID, models.TombstonePayload())
}

// ===== Batch Operations =====

// Batch is one claimed set of records headed for a single push call.
type Batch struct {
	Collection string
	Records    []*models.Record

	// local_updated_at captured at claim time, so a gameplay write landing
	// mid-flight is detected when the outcome comes back.
	sentAt map[models.UUID]int64
}

// Outbound converts the batch into its wire form.
func (b *Batch) Outbound() []syncpkg.PushRecord {
	out := make([]syncpkg.PushRecord, 0, len(b.Records))
	for _, rec := range b.Records {
		out = append(out, syncpkg.PushRecord{
			RecordID:       rec.RecordID.String(),
			Payload:        rec.Payload,
			LocalUpdatedAt: rec.LocalUpdatedAt,
		})
	}
	return out
}

// NextBatch claims up to maxSize pending records (oldest first) and
// transitions them to in_flight. A record already in flight is never
// returned, so no record is ever in two batches at once. Returns nil when
// nothing is pending. maxSize <= 0 means unbounded (bulk upload).
func (q *Queue) NextBatch(collection string, maxSize int) (*Batch, error) {
	pending, err := q.repo.QueryPending(collection)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && len(pending) > maxSize {
		pending = pending[:maxSize]
	}

	batch := &Batch{
		Collection: collection,
		sentAt:     make(map[models.UUID]int64),
	}
	for _, rec := range pending {
		claimed, err := q.repo.MarkInFlight(rec.Collection, rec.RecordID.String())
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Raced with another claim; skip.
			continue
		}
		batch.Records = append(batch.Records, rec)
		batch.sentAt[rec.RecordID] = rec.LocalUpdatedAt
	}

	if len(batch.Records) == 0 {
		return nil, nil
	}

	logging.Debug("Claimed push batch", map[string]interface{}{
		"collection": collection,
		"count":      len(batch.Records),
	})
	return batch, nil
}

// MarkOutcome settles a batch from the backend's per-record verdicts.
// Accepted records become synced (or pending again, if a newer local write
// landed while the batch was in flight). Rejected records are marked
// conflicted and logged; they never block the rest of the batch. Records the
// backend did not answer for return to pending.
func (q *Queue) MarkOutcome(batch *Batch, results []syncpkg.PushResult) error {
	byID := make(map[models.UUID]*models.Record, len(batch.Records))
	for _, rec := range batch.Records {
		byID[rec.RecordID] = rec
	}

	answered := make(map[models.UUID]bool, len(results))
	for _, res := range results {
		id := models.UUID(res.RecordID)
		rec, ok := byID[id]
		if !ok {
			logging.Warn("Push result for unknown record", map[string]interface{}{
				"collection": batch.Collection,
				"record_id":  res.RecordID,
			})
			continue
		}
		answered[id] = true

		if res.Accepted() {
			state, err := q.repo.CompletePush(batch.Collection, res.RecordID,
				res.ServerUpdatedAt, batch.sentAt[id])
			if err != nil {
				return err
			}
			if state == models.SyncStatePending {
				logging.Debug("Record mutated mid-flight, re-queued",
					map[string]interface{}{"record_id": res.RecordID})
			}
			continue
		}

		if err := q.repo.MarkConflicted(batch.Collection, res.RecordID); err != nil {
			return err
		}
		if err := q.repo.CreateConflictLog(&models.ConflictLog{
			RecordID:        id,
			Collection:      batch.Collection,
			LocalTimestamp:  rec.LocalUpdatedAt,
			RemoteTimestamp: res.ServerUpdatedAt,
			Resolution:      models.ResolutionRejected,
		}); err != nil {
			return err
		}
		logging.Warn("Record rejected by backend", map[string]interface{}{
			"collection": batch.Collection,
			"record_id":  res.RecordID,
			"reason":     res.Reason,
		})
	}

	for id := range byID {
		if !answered[id] {
			if err := q.repo.FailPush(batch.Collection, id.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fail returns every record in the batch to pending after a transport-level
// failure, so the whole batch re-enters the next flush.
func (q *Queue) Fail(batch *Batch) error {
	for _, rec := range batch.Records {
		if err := q.repo.FailPush(batch.Collection, rec.RecordID.String()); err != nil {
			return err
		}
	}
	return nil
}

// ===== Erasure Operations =====

// Purge erases every record belonging to the owner and blocks further
// enqueues for it, so no later flush cycle resurrects purged data.
func (q *Queue) Purge(ownerID string) (int64, error) {
	q.mu.Lock()
	q.blocked[ownerID] = struct{}{}
	q.mu.Unlock()

	n, err := q.repo.PurgeAll(ownerID)
	if err != nil {
		return 0, err
	}
	logging.Info("Purged owner records", map[string]interface{}{
		"owner_id": ownerID,
		"count":    n,
	})
	return n, nil
}

// PendingCount returns the number of records waiting to be pushed.
func (q *Queue) PendingCount(collection string) (int, error) {
	pending, err := q.repo.QueryPending(collection)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
