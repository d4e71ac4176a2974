// Package models provides unit tests for the driftsync data models.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// TestRecordTouch tests that Touch bumps the local timestamp.
func TestRecordTouch(t *testing.T) {
	rec := &Record{
		RecordID:       UUID("f47ac10b-58cc-4372-a567-0e02b2c3d479"),
		Collection:     "tasks",
		OwnerID:        "player-1",
		Payload:        json.RawMessage(`{"done":false}`),
		LocalUpdatedAt: 1000,
		SyncState:      SyncStatePending,
	}

	before := time.Now().UnixMilli()
	rec.Touch()

	if rec.LocalUpdatedAt < before {
		t.Errorf("Expected LocalUpdatedAt >= %d, got %d", before, rec.LocalUpdatedAt)
	}
}

// TestRecordSynced tests the never-synced sentinel.
func TestRecordSynced(t *testing.T) {
	rec := &Record{}
	if rec.Synced() {
		t.Error("Expected new record to be unsynced")
	}

	rec.ServerUpdatedAt = time.Now().UnixMilli()
	if !rec.Synced() {
		t.Error("Expected record with server timestamp to be synced")
	}
}

// TestIsTombstonePayload tests tombstone detection.
func TestIsTombstonePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{
			name:    "tombstone marker",
			payload: `{"_deleted":true}`,
			want:    true,
		},
		{
			name:    "tombstone marker with other fields",
			payload: `{"_deleted":true,"name":"sword"}`,
			want:    true,
		},
		{
			name:    "marker explicitly false",
			payload: `{"_deleted":false}`,
			want:    false,
		},
		{
			name:    "live payload",
			payload: `{"done":true}`,
			want:    false,
		},
		{
			name:    "marker with non-bool value",
			payload: `{"_deleted":"yes"}`,
			want:    false,
		},
		{
			name:    "invalid JSON",
			payload: `not json`,
			want:    false,
		},
		{
			name:    "empty object",
			payload: `{}`,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsTombstonePayload(json.RawMessage(tt.payload))
			if got != tt.want {
				t.Errorf("IsTombstonePayload(%s) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

// TestTombstonePayload tests that the generated tombstone round-trips.
func TestTombstonePayload(t *testing.T) {
	payload := TombstonePayload()

	if !IsTombstonePayload(payload) {
		t.Errorf("Generated tombstone not detected as tombstone: %s", payload)
	}

	rec := &Record{Payload: payload}
	if !rec.IsTombstone() {
		t.Error("Expected record carrying tombstone payload to report IsTombstone")
	}
}

// TestUUIDScan tests sql.Scanner behavior for the UUID wrapper.
func TestUUIDScan(t *testing.T) {
	var u UUID

	if err := u.Scan([]byte("f47ac10b-58cc-4372-a567-0e02b2c3d479")); err != nil {
		t.Fatalf("Scan bytes failed: %v", err)
	}
	if u.String() != "f47ac10b-58cc-4372-a567-0e02b2c3d479" {
		t.Errorf("Unexpected UUID after scan: %s", u)
	}

	if err := u.Scan(nil); err != nil {
		t.Fatalf("Scan nil failed: %v", err)
	}
	if u != "" {
		t.Errorf("Expected empty UUID after nil scan, got %s", u)
	}
}

// TestTableNames tests the table name accessors used by the store.
func TestTableNames(t *testing.T) {
	if got := (Record{}).TableName(); got != "records" {
		t.Errorf("Record.TableName() = %s", got)
	}
	if got := (ContentTable{}).MetaTableName(); got != "content_tables" {
		t.Errorf("ContentTable.MetaTableName() = %s", got)
	}
	if got := (SyncCursor{}).TableName(); got != "sync_cursor" {
		t.Errorf("SyncCursor.TableName() = %s", got)
	}
	if got := (ConflictLog{}).TableName(); got != "conflict_log" {
		t.Errorf("ConflictLog.TableName() = %s", got)
	}
}
