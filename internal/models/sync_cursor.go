// Package models provides data model definitions for the driftsync engine.
package models

import "time"

// SyncCursor is the per-client sync bookkeeping. It is owned exclusively by
// the sync scheduler, persisted locally, and never transmitted to the server.
type SyncCursor struct {
	LastAppliedContentVersion int64 `db:"last_applied_content_version" json:"last_applied_content_version"`
	ConsecutiveFailureCount   int   `db:"consecutive_failure_count" json:"consecutive_failure_count"`
	LastFlushAttemptAt        int64 `db:"last_flush_attempt_at" json:"last_flush_attempt_at"`       // unix millis
	LastSuccessfulFlushAt     int64 `db:"last_successful_flush_at" json:"last_successful_flush_at"` // unix millis

	// LastPullWatermark is the highest server timestamp observed across
	// pulls. Pull "since" values come from here, not from the wall clock:
	// a record another device wrote earlier but pushed later would slip
	// past a clock-based watermark.
	LastPullWatermark int64 `db:"last_pull_watermark" json:"last_pull_watermark"` // unix millis
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursor"
}

// LastFlushAttemptTime returns LastFlushAttemptAt as time.Time.
func (c *SyncCursor) LastFlushAttemptTime() time.Time {
	return time.UnixMilli(c.LastFlushAttemptAt)
}

// LastSuccessfulFlushTime returns LastSuccessfulFlushAt as time.Time.
func (c *SyncCursor) LastSuccessfulFlushTime() time.Time {
	return time.UnixMilli(c.LastSuccessfulFlushAt)
}
