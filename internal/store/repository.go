// Package store provides CRUD repository operations for the sync engine.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/halcyon-interactive/driftsync/internal/faults"
	"github.com/halcyon-interactive/driftsync/internal/models"
	"github.com/halcyon-interactive/driftsync/internal/uuid"
)

// Repository provides transactional access to records, content tables, the
// sync cursor, and the conflict log. It is the single shared mutable
// resource of the engine; gameplay threads and the flush cycle both go
// through it, never around it.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// storageFault converts a raw driver error into the typed storage fault.
func storageFault(op string, err error) error {
	return faults.Wrap(faults.CodeStorage, op, err)
}

// =====================================================
// Record Operations
// =====================================================

// PutRecord upserts a record by (collection, record_id). It fails only on
// underlying I/O failure, never on business-logic grounds.
func (r *Repository) PutRecord(rec *models.Record) error {
	query := `
	INSERT INTO records (collection, record_id, owner_id, payload, local_updated_at, server_updated_at, sync_state)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, record_id) DO UPDATE SET
		owner_id = excluded.owner_id,
		payload = excluded.payload,
		local_updated_at = excluded.local_updated_at,
		server_updated_at = excluded.server_updated_at,
		sync_state = excluded.sync_state
	`
	_, err := r.db.Exec(query, rec.Collection, rec.RecordID, rec.OwnerID,
		string(rec.Payload), rec.LocalUpdatedAt, rec.ServerUpdatedAt, rec.SyncState)
	if err != nil {
		return storageFault("put record", err)
	}
	return nil
}

// EnqueueWrite upserts a local mutation and decides the resulting sync_state
// in the same statement: a record currently in_flight keeps its claim (the
// outcome handler notices the newer local_updated_at and re-queues it), any
// other state becomes pending, and server_updated_at is preserved. Because
// the state decision and the write commit atomically, a flush transition
// racing this call is never overwritten with state read before it.
func (r *Repository) EnqueueWrite(rec *models.Record) (*models.Record, error) {
	query := `
	INSERT INTO records (collection, record_id, owner_id, payload, local_updated_at, server_updated_at, sync_state)
	VALUES (?, ?, ?, ?, ?, 0, 'pending')
	ON CONFLICT (collection, record_id) DO UPDATE SET
		owner_id = excluded.owner_id,
		payload = excluded.payload,
		local_updated_at = excluded.local_updated_at,
		sync_state = CASE WHEN records.sync_state = 'in_flight' THEN 'in_flight' ELSE 'pending' END
	`
	_, err := r.db.Exec(query, rec.Collection, rec.RecordID, rec.OwnerID,
		string(rec.Payload), rec.LocalUpdatedAt)
	if err != nil {
		return nil, storageFault("enqueue write", err)
	}
	return r.GetRecord(rec.Collection, rec.RecordID.String())
}

// GetRecord retrieves a record by collection and record ID.
func (r *Repository) GetRecord(collection, recordID string) (*models.Record, error) {
	query := `
	SELECT collection, record_id, owner_id, payload, local_updated_at, server_updated_at, sync_state
	FROM records WHERE collection = ? AND record_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, storageFault("get record", err)
	}

	rec, err := scanRecord(stmt.QueryRow(collection, recordID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.New(faults.CodeNotFound,
				fmt.Sprintf("record %s/%s not found", collection, recordID))
		}
		return nil, storageFault("get record", err)
	}
	return rec, nil
}

// QueryPending returns records with sync_state = pending, oldest local
// mutation first, so no single record's staleness is unbounded. Pass an
// empty collection to query across all collections.
func (r *Repository) QueryPending(collection string) ([]*models.Record, error) {
	base := `
	SELECT collection, record_id, owner_id, payload, local_updated_at, server_updated_at, sync_state
	FROM records WHERE sync_state = ?
	`
	order := " ORDER BY local_updated_at ASC"

	var rows *sql.Rows
	var err error
	if collection != "" {
		rows, err = r.db.Query(base+" AND collection = ?"+order, models.SyncStatePending, collection)
	} else {
		rows, err = r.db.Query(base+order, models.SyncStatePending)
	}
	if err != nil {
		return nil, storageFault("query pending", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageFault("query pending", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("query pending", err)
	}
	return records, nil
}

// MarkInFlight transitions a record pending -> in_flight. Returns false if
// the record was not pending, which keeps a record from ever riding in two
// batches at once.
func (r *Repository) MarkInFlight(collection, recordID string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE records SET sync_state = ? WHERE collection = ? AND record_id = ? AND sync_state = ?`,
		models.SyncStateInFlight, collection, recordID, models.SyncStatePending)
	if err != nil {
		return false, storageFault("mark in flight", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageFault("mark in flight", err)
	}
	return n == 1, nil
}

// CompletePush finishes an accepted push. sentAt is the local_updated_at
// captured when the record entered the batch: if a gameplay write landed
// while the record was in flight, the record returns to pending so the
// newer payload is pushed next cycle instead of being silently dropped.
// Returns the resulting sync state.
func (r *Repository) CompletePush(collection, recordID string, serverUpdatedAt, sentAt int64) (models.SyncState, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return "", storageFault("complete push", err)
	}
	defer tx.Rollback()

	var state models.SyncState
	var localUpdatedAt int64
	err = tx.QueryRow(
		`SELECT sync_state, local_updated_at FROM records WHERE collection = ? AND record_id = ?`,
		collection, recordID).Scan(&state, &localUpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", faults.New(faults.CodeNotFound,
				fmt.Sprintf("record %s/%s not found", collection, recordID))
		}
		return "", storageFault("complete push", err)
	}

	if state != models.SyncStateInFlight {
		// Aborted flush already recovered this record; nothing to do.
		return state, tx.Commit()
	}

	next := models.SyncStateSynced
	if localUpdatedAt > sentAt {
		next = models.SyncStatePending
	}

	_, err = tx.Exec(
		`UPDATE records SET sync_state = ?, server_updated_at = ? WHERE collection = ? AND record_id = ?`,
		next, serverUpdatedAt, collection, recordID)
	if err != nil {
		return "", storageFault("complete push", err)
	}

	if err := tx.Commit(); err != nil {
		return "", storageFault("complete push", err)
	}
	return next, nil
}

// FailPush returns an in-flight record to pending so it re-enters the next
// batch.
func (r *Repository) FailPush(collection, recordID string) error {
	_, err := r.db.Exec(
		`UPDATE records SET sync_state = ? WHERE collection = ? AND record_id = ? AND sync_state = ?`,
		models.SyncStatePending, collection, recordID, models.SyncStateInFlight)
	if err != nil {
		return storageFault("fail push", err)
	}
	return nil
}

// MarkConflicted parks a server-rejected record for later inspection. The
// record no longer enters batches until a new local mutation resets it.
func (r *Repository) MarkConflicted(collection, recordID string) error {
	_, err := r.db.Exec(
		`UPDATE records SET sync_state = ? WHERE collection = ? AND record_id = ?`,
		models.SyncStateConflicted, collection, recordID)
	if err != nil {
		return storageFault("mark conflicted", err)
	}
	return nil
}

// ResetInFlight returns all in-flight records to pending. Called on startup
// so records stranded by a crash mid-flush are never stuck.
func (r *Repository) ResetInFlight() (int64, error) {
	res, err := r.db.Exec(
		`UPDATE records SET sync_state = ? WHERE sync_state = ?`,
		models.SyncStatePending, models.SyncStateInFlight)
	if err != nil {
		return 0, storageFault("reset in flight", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageFault("reset in flight", err)
	}
	return n, nil
}

// PurgeAll removes every record belonging to an owner. Account-erasure hook;
// the write queue additionally blocks the owner so no flush resurrects the
// data.
func (r *Repository) PurgeAll(ownerID string) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM records WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, storageFault("purge all", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageFault("purge all", err)
	}
	return n, nil
}

// scanner abstracts sql.Row and sql.Rows for record scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var rec models.Record
	var payload string
	err := s.Scan(&rec.Collection, &rec.RecordID, &rec.OwnerID, &payload,
		&rec.LocalUpdatedAt, &rec.ServerUpdatedAt, &rec.SyncState)
	if err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// =====================================================
// Content Table Operations
// =====================================================

// ReplaceTable atomically replaces a content table's rows and metadata.
// Either all rows are visible or none are; a concurrent reader never
// observes a half-replaced table.
func (r *Repository) ReplaceTable(tableName string, rows []models.ContentRow, schemaVersion int, changedAtVersion int64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return storageFault("replace table", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM content_rows WHERE table_name = ?`, tableName); err != nil {
		return storageFault("replace table", err)
	}

	insert, err := tx.Prepare(`INSERT INTO content_rows (table_name, row_key, row_data) VALUES (?, ?, ?)`)
	if err != nil {
		return storageFault("replace table", err)
	}
	defer insert.Close()

	for _, row := range rows {
		if _, err := insert.Exec(tableName, row.Key, string(row.Data)); err != nil {
			return storageFault("replace table", err)
		}
	}

	_, err = tx.Exec(`
	INSERT INTO content_tables (table_name, schema_version, changed_at_version)
	VALUES (?, ?, ?)
	ON CONFLICT (table_name) DO UPDATE SET
		schema_version = excluded.schema_version,
		changed_at_version = excluded.changed_at_version
	`, tableName, schemaVersion, changedAtVersion)
	if err != nil {
		return storageFault("replace table", err)
	}

	if err := tx.Commit(); err != nil {
		return storageFault("replace table", err)
	}
	return nil
}

// GetContentRow reads a single row from the local content cache.
func (r *Repository) GetContentRow(tableName, key string) (*models.ContentRow, error) {
	stmt, err := r.PrepareStmt(`SELECT row_key, row_data FROM content_rows WHERE table_name = ? AND row_key = ?`)
	if err != nil {
		return nil, storageFault("get content row", err)
	}

	var row models.ContentRow
	var data string
	err = stmt.QueryRow(tableName, key).Scan(&row.Key, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.New(faults.CodeNotFound,
				fmt.Sprintf("content row %s/%s not found", tableName, key))
		}
		return nil, storageFault("get content row", err)
	}
	row.Data = json.RawMessage(data)
	return &row, nil
}

// ListContentRows returns all rows of a content table.
func (r *Repository) ListContentRows(tableName string) ([]models.ContentRow, error) {
	rows, err := r.db.Query(`SELECT row_key, row_data FROM content_rows WHERE table_name = ? ORDER BY row_key`, tableName)
	if err != nil {
		return nil, storageFault("list content rows", err)
	}
	defer rows.Close()

	var out []models.ContentRow
	for rows.Next() {
		var row models.ContentRow
		var data string
		if err := rows.Scan(&row.Key, &data); err != nil {
			return nil, storageFault("list content rows", err)
		}
		row.Data = json.RawMessage(data)
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetContentTable returns the metadata for a cached content table.
func (r *Repository) GetContentTable(tableName string) (*models.ContentTable, error) {
	var ct models.ContentTable
	err := r.db.QueryRow(
		`SELECT table_name, schema_version, changed_at_version FROM content_tables WHERE table_name = ?`,
		tableName).Scan(&ct.TableName, &ct.SchemaVersion, &ct.ChangedAtVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.New(faults.CodeNotFound,
				fmt.Sprintf("content table %s not found", tableName))
		}
		return nil, storageFault("get content table", err)
	}
	return &ct, nil
}

// ListContentTables returns metadata for all cached content tables.
func (r *Repository) ListContentTables() ([]models.ContentTable, error) {
	rows, err := r.db.Query(`SELECT table_name, schema_version, changed_at_version FROM content_tables ORDER BY table_name`)
	if err != nil {
		return nil, storageFault("list content tables", err)
	}
	defer rows.Close()

	var out []models.ContentTable
	for rows.Next() {
		var ct models.ContentTable
		if err := rows.Scan(&ct.TableName, &ct.SchemaVersion, &ct.ChangedAtVersion); err != nil {
			return nil, storageFault("list content tables", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// HasContentTables reports whether any content table has ever been cached.
// Used to decide whether the bundled bootstrap snapshot is needed.
func (r *Repository) HasContentTables() (bool, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM content_tables`).Scan(&count); err != nil {
		return false, storageFault("has content tables", err)
	}
	return count > 0, nil
}

// =====================================================
// Content Version Operations (reference backend)
// =====================================================

// GetContentVersion returns the global content version counter.
func (r *Repository) GetContentVersion() (models.ContentVersion, error) {
	var v models.ContentVersion
	err := r.db.QueryRow(`SELECT version, updated_at FROM content_version WHERE id = 1`).
		Scan(&v.Version, &v.UpdatedAt)
	if err != nil {
		return models.ContentVersion{}, storageFault("get content version", err)
	}
	return v, nil
}

// PublishTable replaces a content table on the backend and increments the
// global content version in the same transaction as the content write, so
// the monotonic-version invariant lives in code rather than in a database
// trigger. Returns the new version.
func (r *Repository) PublishTable(tableName string, rows []models.ContentRow, schemaVersion int) (int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, storageFault("publish table", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE content_version SET version = version + 1, updated_at = ? WHERE id = 1`, now); err != nil {
		return 0, storageFault("publish table", err)
	}

	var version int64
	if err := tx.QueryRow(`SELECT version FROM content_version WHERE id = 1`).Scan(&version); err != nil {
		return 0, storageFault("publish table", err)
	}

	if _, err := tx.Exec(`DELETE FROM content_rows WHERE table_name = ?`, tableName); err != nil {
		return 0, storageFault("publish table", err)
	}

	insert, err := tx.Prepare(`INSERT INTO content_rows (table_name, row_key, row_data) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, storageFault("publish table", err)
	}
	defer insert.Close()

	for _, row := range rows {
		if _, err := insert.Exec(tableName, row.Key, string(row.Data)); err != nil {
			return 0, storageFault("publish table", err)
		}
	}

	_, err = tx.Exec(`
	INSERT INTO content_tables (table_name, schema_version, changed_at_version)
	VALUES (?, ?, ?)
	ON CONFLICT (table_name) DO UPDATE SET
		schema_version = excluded.schema_version,
		changed_at_version = excluded.changed_at_version
	`, tableName, schemaVersion, version)
	if err != nil {
		return 0, storageFault("publish table", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageFault("publish table", err)
	}
	return version, nil
}

// TablesChangedSince returns metadata for tables whose content changed after
// the given global version.
func (r *Repository) TablesChangedSince(version int64) ([]models.ContentTable, error) {
	rows, err := r.db.Query(
		`SELECT table_name, schema_version, changed_at_version FROM content_tables WHERE changed_at_version > ? ORDER BY table_name`,
		version)
	if err != nil {
		return nil, storageFault("tables changed since", err)
	}
	defer rows.Close()

	var out []models.ContentTable
	for rows.Next() {
		var ct models.ContentTable
		if err := rows.Scan(&ct.TableName, &ct.SchemaVersion, &ct.ChangedAtVersion); err != nil {
			return nil, storageFault("tables changed since", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// ApplyPush performs server-side last-write-wins arbitration for one pushed
// record. An incoming write strictly newer than the stored copy replaces it;
// an older or equal-timestamp write is accepted as a no-op and the caller
// returns the stored (winning) server timestamp so the client converges on
// its next pull.
func (r *Repository) ApplyPush(collection, ownerID, recordID string, payload json.RawMessage, localUpdatedAt int64) (int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, storageFault("apply push", err)
	}
	defer tx.Rollback()

	var existing int64
	var existingOwner string
	err = tx.QueryRow(
		`SELECT server_updated_at, owner_id FROM records WHERE collection = ? AND record_id = ?`,
		collection, recordID).Scan(&existing, &existingOwner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing = 0
	case err != nil:
		return 0, storageFault("apply push", err)
	case existingOwner != ownerID:
		return 0, faults.New(faults.CodePermission, "record belongs to another owner")
	}

	if localUpdatedAt <= existing {
		// Stored copy wins; report its timestamp back.
		if err := tx.Commit(); err != nil {
			return 0, storageFault("apply push", err)
		}
		return existing, nil
	}

	_, err = tx.Exec(`
	INSERT INTO records (collection, record_id, owner_id, payload, local_updated_at, server_updated_at, sync_state)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, record_id) DO UPDATE SET
		payload = excluded.payload,
		local_updated_at = excluded.local_updated_at,
		server_updated_at = excluded.server_updated_at
	`, collection, recordID, ownerID, string(payload), localUpdatedAt, localUpdatedAt, models.SyncStateSynced)
	if err != nil {
		return 0, storageFault("apply push", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageFault("apply push", err)
	}
	return localUpdatedAt, nil
}

// PullOwnedSince returns an owner's records updated on the server after the
// given timestamp.
func (r *Repository) PullOwnedSince(collection, ownerID string, since int64) ([]*models.Record, error) {
	rows, err := r.db.Query(`
	SELECT collection, record_id, owner_id, payload, local_updated_at, server_updated_at, sync_state
	FROM records
	WHERE collection = ? AND owner_id = ? AND server_updated_at > ?
	ORDER BY server_updated_at ASC
	`, collection, ownerID, since)
	if err != nil {
		return nil, storageFault("pull owned since", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageFault("pull owned since", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =====================================================
// Sync Cursor Operations
// =====================================================

// GetCursor returns the client's sync cursor.
func (r *Repository) GetCursor() (*models.SyncCursor, error) {
	var c models.SyncCursor
	err := r.db.QueryRow(`
	SELECT last_applied_content_version, consecutive_failure_count, last_flush_attempt_at, last_successful_flush_at, last_pull_watermark
	FROM sync_cursor WHERE id = 1
	`).Scan(&c.LastAppliedContentVersion, &c.ConsecutiveFailureCount, &c.LastFlushAttemptAt, &c.LastSuccessfulFlushAt, &c.LastPullWatermark)
	if err != nil {
		return nil, storageFault("get cursor", err)
	}
	return &c, nil
}

// SaveCursor persists the client's sync cursor.
func (r *Repository) SaveCursor(c *models.SyncCursor) error {
	_, err := r.db.Exec(`
	UPDATE sync_cursor
	SET last_applied_content_version = ?, consecutive_failure_count = ?, last_flush_attempt_at = ?, last_successful_flush_at = ?, last_pull_watermark = ?
	WHERE id = 1
	`, c.LastAppliedContentVersion, c.ConsecutiveFailureCount, c.LastFlushAttemptAt, c.LastSuccessfulFlushAt, c.LastPullWatermark)
	if err != nil {
		return storageFault("save cursor", err)
	}
	return nil
}

// =====================================================
// Conflict Log Operations
// =====================================================

// CreateConflictLog records a resolved conflict or parked rejection.
func (r *Repository) CreateConflictLog(cl *models.ConflictLog) error {
	if cl.ID == "" {
		cl.ID = models.UUID(uuid.New())
	}
	if cl.DetectedAt == 0 {
		cl.DetectedAt = time.Now().UnixMilli()
	}
	_, err := r.db.Exec(`
	INSERT INTO conflict_log (id, record_id, collection, local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cl.ID, cl.RecordID, cl.Collection, cl.LocalTimestamp, cl.RemoteTimestamp, cl.Resolution, cl.DetectedAt)
	if err != nil {
		return storageFault("create conflict log", err)
	}
	return nil
}

// ListConflictLogs returns conflict log entries, newest first.
func (r *Repository) ListConflictLogs(limit int) ([]*models.ConflictLog, error) {
	rows, err := r.db.Query(`
	SELECT id, record_id, collection, local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, storageFault("list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var cl models.ConflictLog
		if err := rows.Scan(&cl.ID, &cl.RecordID, &cl.Collection, &cl.LocalTimestamp,
			&cl.RemoteTimestamp, &cl.Resolution, &cl.DetectedAt); err != nil {
			return nil, storageFault("list conflict logs", err)
		}
		logs = append(logs, &cl)
	}
	return logs, rows.Err()
}
