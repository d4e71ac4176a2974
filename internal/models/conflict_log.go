// Package models provides data model definitions for the driftsync engine.
package models

import "time"

// Resolution outcomes recorded in the conflict log.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
	ResolutionRejected   = "rejected"
)

// ConflictLog records a resolved concurrent edit, or a server-rejected
// record parked for later inspection. Kept locally for user awareness; the
// engine itself never replays these.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	RecordID        UUID   `db:"record_id" json:"record_id"`
	Collection      string `db:"collection" json:"collection"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`   // unix millis
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"` // unix millis
	Resolution      string `db:"resolution" json:"resolution"`             // local_wins, remote_wins, rejected
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`           // unix millis
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
