// Package models provides data model definitions for the driftsync engine.
package models

import (
	"encoding/json"
	"time"
)

// ContentRow is a single opaque row of a server-authored content table,
// keyed by a content-defined primary key.
type ContentRow struct {
	Key  string          `db:"row_key" json:"key"`
	Data json.RawMessage `db:"row_data" json:"data"`
}

// ContentTable is a named, versioned, read-only collection owned by the
// server (game balance, drop tables, dungeon layouts). A table is immutable
// once fetched at a given global version; a newer global version replaces
// the entire table atomically, never partially.
type ContentTable struct {
	TableName        string `db:"table_name" json:"table_name"`
	SchemaVersion    int    `db:"schema_version" json:"schema_version"`
	ChangedAtVersion int64  `db:"changed_at_version" json:"changed_at_version"` // global ContentVersion when last replaced
}

// MetaTableName returns the metadata table name for ContentTable. The usual
// TableName() accessor would collide with the TableName field.
func (ContentTable) MetaTableName() string {
	return "content_tables"
}

// ContentVersion is the single global content counter. It is strictly
// non-decreasing across the lifetime of the backend and advanced exclusively
// by server-side content mutations.
type ContentVersion struct {
	Version   int64 `json:"version"`
	UpdatedAt int64 `json:"updated_at"` // unix millis
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (v ContentVersion) UpdatedAtTime() time.Time {
	return time.UnixMilli(v.UpdatedAt)
}
