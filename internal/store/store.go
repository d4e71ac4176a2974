// Package store provides the local durable store: crash-safe, transactional
// persistence of records, content tables, and sync bookkeeping.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with driftsync-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the embedded database under dataDir and applies pending
// migrations. The database is opened with:
// - WAL mode so UI reads never block on an in-progress flush
// - a single writer connection (SQLite has one writer)
// - foreign key constraints enabled
//
// Every successful write is durable before the call returns; there is no
// write-behind that could be lost on crash.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return openFile(filepath.Join(dataDir, "driftsync.db"))
}

// OpenMemory opens an in-memory database, used by tests and the reference
// backend's ephemeral mode.
func OpenMemory() (*DB, error) {
	return openFile(":memory:")
}

func openFile(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	migrator := NewMigrator(db)
	if err := migrator.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
