package queue

import (
	"encoding/json"
	stdsync "sync"
	"testing"

	"github.com/halcyon-interactive/driftsync/internal/faults"
	"github.com/halcyon-interactive/driftsync/internal/models"
	"github.com/halcyon-interactive/driftsync/internal/store"
	syncpkg "github.com/halcyon-interactive/driftsync/internal/sync"
)

func testQueue(t *testing.T) (*Queue, *store.Repository) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := store.NewRepository(db)
	t.Cleanup(func() { repo.Close() })

	q, err := NewQueue(repo)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	return q, repo
}

// TestEnqueueCoalesces tests that two enqueues of the same record before a
// flush produce one batch entry carrying only the latest payload.
func TestEnqueueCoalesces(t *testing.T) {
	q, _ := testQueue(t)

	if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{"done":false}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{"done":true}`)); err != nil {
		t.Fatalf("Second Enqueue failed: %v", err)
	}

	batch, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if batch == nil || len(batch.Records) != 1 {
		t.Fatalf("Expected 1 coalesced record, got %+v", batch)
	}
	if string(batch.Records[0].Payload) != `{"done":true}` {
		t.Errorf("Expected latest payload, got %s", batch.Records[0].Payload)
	}
}

// TestNextBatchExactlyOnceInFlight tests that a claimed record never appears
// in a second batch before its outcome settles.
func TestNextBatchExactlyOnceInFlight(t *testing.T) {
	q, _ := testQueue(t)

	if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if first == nil || len(first.Records) != 1 {
		t.Fatalf("Expected 1 record in first batch, got %+v", first)
	}

	second, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("Second NextBatch failed: %v", err)
	}
	if second != nil {
		t.Errorf("Expected no second batch while first is in flight, got %d records", len(second.Records))
	}
}

// TestNextBatchBounded tests the batch size cap and oldest-first order.
func TestNextBatchBounded(t *testing.T) {
	q, _ := testQueue(t)

	for _, id := range []models.UUID{"r1", "r2", "r3"} {
		if _, err := q.Enqueue("tasks", "player-1", id, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	batch, err := q.NextBatch("tasks", 2)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("Expected batch capped at 2, got %d", len(batch.Records))
	}
	if batch.Records[0].LocalUpdatedAt > batch.Records[1].LocalUpdatedAt {
		t.Error("Batch not ordered oldest-first")
	}
}

// TestMarkOutcomeAccepted tests the accepted path through to synced.
func TestMarkOutcomeAccepted(t *testing.T) {
	q, repo := testQueue(t)

	rec, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	batch, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	results := []syncpkg.PushResult{{
		RecordID:        "r1",
		Status:          syncpkg.PushStatusAccepted,
		ServerUpdatedAt: rec.LocalUpdatedAt,
	}}
	if err := q.MarkOutcome(batch, results); err != nil {
		t.Fatalf("MarkOutcome failed: %v", err)
	}

	got, _ := repo.GetRecord("tasks", "r1")
	if got.SyncState != models.SyncStateSynced {
		t.Errorf("Expected synced, got %s", got.SyncState)
	}
	if got.ServerUpdatedAt != rec.LocalUpdatedAt {
		t.Errorf("Expected server_updated_at %d, got %d", rec.LocalUpdatedAt, got.ServerUpdatedAt)
	}
}

// TestMarkOutcomeRejected tests that a rejected record is parked as
// conflicted and logged without affecting the rest of the batch.
func TestMarkOutcomeRejected(t *testing.T) {
	q, repo := testQueue(t)

	good, err := q.Enqueue("tasks", "player-1", "r-good", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue("tasks", "player-1", "r-bad", json.RawMessage(`{"bogus":1}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	batch, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	results := []syncpkg.PushResult{
		{RecordID: "r-good", Status: syncpkg.PushStatusAccepted, ServerUpdatedAt: good.LocalUpdatedAt},
		{RecordID: "r-bad", Status: syncpkg.PushStatusRejected, Reason: "payload too large"},
	}
	if err := q.MarkOutcome(batch, results); err != nil {
		t.Fatalf("MarkOutcome failed: %v", err)
	}

	gotGood, _ := repo.GetRecord("tasks", "r-good")
	if gotGood.SyncState != models.SyncStateSynced {
		t.Errorf("Expected accepted record synced, got %s", gotGood.SyncState)
	}

	gotBad, _ := repo.GetRecord("tasks", "r-bad")
	if gotBad.SyncState != models.SyncStateConflicted {
		t.Errorf("Expected rejected record conflicted, got %s", gotBad.SyncState)
	}

	logs, err := repo.ListConflictLogs(10)
	if err != nil {
		t.Fatalf("ListConflictLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Resolution != models.ResolutionRejected {
		t.Errorf("Expected one rejected conflict log, got %+v", logs)
	}
}

// TestMarkOutcomeUnanswered tests that records the backend did not answer
// for return to pending.
func TestMarkOutcomeUnanswered(t *testing.T) {
	q, repo := testQueue(t)

	if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	batch, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	if err := q.MarkOutcome(batch, nil); err != nil {
		t.Fatalf("MarkOutcome failed: %v", err)
	}

	got, _ := repo.GetRecord("tasks", "r1")
	if got.SyncState != models.SyncStatePending {
		t.Errorf("Expected unanswered record pending, got %s", got.SyncState)
	}
}

// TestFailReturnsBatchToPending tests the transport-failure path.
func TestFailReturnsBatchToPending(t *testing.T) {
	q, repo := testQueue(t)

	if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	batch, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if err := q.Fail(batch); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	got, _ := repo.GetRecord("tasks", "r1")
	if got.SyncState != models.SyncStatePending {
		t.Errorf("Expected pending after transport failure, got %s", got.SyncState)
	}

	// The record re-enters the next batch.
	next, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if next == nil || len(next.Records) != 1 {
		t.Error("Expected failed record to re-enter the next batch")
	}
}

// TestEnqueueMidFlightRequeues tests that a write landing while the record
// is in flight is not lost when the stale push is accepted.
func TestEnqueueMidFlightRequeues(t *testing.T) {
	q, repo := testQueue(t)

	first, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{"done":false}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	batch, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	// Gameplay write while the push is on the wire.
	if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{"done":true}`)); err != nil {
		t.Fatalf("Mid-flight Enqueue failed: %v", err)
	}

	results := []syncpkg.PushResult{{
		RecordID:        "r1",
		Status:          syncpkg.PushStatusAccepted,
		ServerUpdatedAt: first.LocalUpdatedAt,
	}}
	if err := q.MarkOutcome(batch, results); err != nil {
		t.Fatalf("MarkOutcome failed: %v", err)
	}

	got, _ := repo.GetRecord("tasks", "r1")
	if got.SyncState != models.SyncStatePending {
		t.Errorf("Expected re-queued pending, got %s", got.SyncState)
	}
	if string(got.Payload) != `{"done":true}` {
		t.Errorf("Newer payload lost: %s", got.Payload)
	}
}

// TestEnqueueRacesSettlement tests that a gameplay write racing the flush
// outcome never strands the record: whichever side commits first, the record
// must end up claimable by the next batch, not stuck in a phantom in-flight
// state until a process restart.
func TestEnqueueRacesSettlement(t *testing.T) {
	q, repo := testQueue(t)

	first, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{"done":false}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	batch, err := q.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	results := []syncpkg.PushResult{{
		RecordID:        "r1",
		Status:          syncpkg.PushStatusAccepted,
		ServerUpdatedAt: first.LocalUpdatedAt,
	}}

	var wg stdsync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := q.MarkOutcome(batch, results); err != nil {
			t.Errorf("MarkOutcome failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{"done":true}`)); err != nil {
			t.Errorf("Racing Enqueue failed: %v", err)
		}
	}()
	wg.Wait()

	got, err := repo.GetRecord("tasks", "r1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.SyncState == models.SyncStateInFlight {
		t.Fatalf("Record stranded in flight with no batch holding it: %+v", got)
	}
}

// TestPurgeBlocksEnqueue tests that erasure is permanent against the queue.
func TestPurgeBlocksEnqueue(t *testing.T) {
	q, repo := testQueue(t)

	if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	n, err := q.Purge("player-1")
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 record purged, got %d", n)
	}

	if _, err := q.Enqueue("tasks", "player-1", "r2", json.RawMessage(`{}`)); !faults.Is(err, faults.CodePermission) {
		t.Errorf("Expected permission fault for purged owner, got %v", err)
	}

	if _, err := repo.GetRecord("tasks", "r1"); !faults.Is(err, faults.CodeNotFound) {
		t.Errorf("Expected purged record gone, got %v", err)
	}
}

// TestEnqueueDelete tests tombstone enqueueing.
func TestEnqueueDelete(t *testing.T) {
	q, _ := testQueue(t)

	rec, err := q.EnqueueDelete("tasks", "player-1", "r1")
	if err != nil {
		t.Fatalf("EnqueueDelete failed: %v", err)
	}
	if !rec.IsTombstone() {
		t.Error("Expected tombstone payload")
	}
	if rec.SyncState != models.SyncStatePending {
		t.Errorf("Expected tombstone pending, got %s", rec.SyncState)
	}
}

// TestRecoveryOnConstruct tests that a new queue over a store with stranded
// in-flight records resets them to pending.
func TestRecoveryOnConstruct(t *testing.T) {
	q, repo := testQueue(t)

	if _, err := q.Enqueue("tasks", "player-1", "r1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.NextBatch("tasks", DefaultBatchSize); err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	// Simulated restart: a fresh queue over the same store.
	q2, err := NewQueue(repo)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}

	batch, err := q2.NextBatch("tasks", DefaultBatchSize)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if batch == nil || len(batch.Records) != 1 {
		t.Error("Expected stranded record recovered to pending")
	}
}
