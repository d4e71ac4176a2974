// Package models provides data model definitions for the driftsync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncState tracks where a record is in its push lifecycle.
type SyncState string

const (
	SyncStatePending    SyncState = "pending"
	SyncStateInFlight   SyncState = "in_flight"
	SyncStateSynced     SyncState = "synced"
	SyncStateConflicted SyncState = "conflicted"
)

// tombstoneField marks a payload as a deletion. Tombstones travel through
// sync like any other write so a later write can undo the delete.
const tombstoneField = "_deleted"

// Record is the atomic unit of sync: one player-owned progression entity
// (a task, an achievement, a goal, a currency balance, an inventory slot).
//
// RecordID is immutable for the lifetime of the record. SyncState only ever
// moves pending -> in_flight -> {synced | pending}; a failed push returns
// the record to pending, never to a new state.
type Record struct {
	RecordID        UUID            `db:"record_id" json:"record_id"`
	Collection      string          `db:"collection" json:"collection"`
	OwnerID         string          `db:"owner_id" json:"owner_id"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	LocalUpdatedAt  int64           `db:"local_updated_at" json:"local_updated_at"`   // unix millis, client clock
	ServerUpdatedAt int64           `db:"server_updated_at" json:"server_updated_at"` // unix millis, 0 = never accepted
	SyncState       SyncState       `db:"sync_state" json:"sync_state"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Touch bumps the local modification timestamp to the current wall clock.
func (r *Record) Touch() {
	r.LocalUpdatedAt = time.Now().UnixMilli()
}

// Synced reports whether the server has ever accepted a version of this record.
func (r *Record) Synced() bool {
	return r.ServerUpdatedAt > 0
}

// LocalUpdatedAtTime returns LocalUpdatedAt as time.Time.
func (r *Record) LocalUpdatedAtTime() time.Time {
	return time.UnixMilli(r.LocalUpdatedAt)
}

// ServerUpdatedAtTime returns ServerUpdatedAt as time.Time.
func (r *Record) ServerUpdatedAtTime() time.Time {
	return time.UnixMilli(r.ServerUpdatedAt)
}

// IsTombstone reports whether the payload carries the deletion marker.
func (r *Record) IsTombstone() bool {
	return IsTombstonePayload(r.Payload)
}

// IsTombstonePayload reports whether a raw payload carries the deletion marker.
func IsTombstonePayload(payload json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	raw, ok := fields[tombstoneField]
	if !ok {
		return false
	}
	var deleted bool
	if err := json.Unmarshal(raw, &deleted); err != nil {
		return false
	}
	return deleted
}

// TombstonePayload builds a deletion payload. The record itself is never
// hard-deleted by the engine; remote peers observe the marker instead.
func TombstonePayload() json.RawMessage {
	return json.RawMessage(`{"` + tombstoneField + `":true}`)
}
