// Package content keeps server-authored content tables fresh with minimal
// refetching and serves all reads from the local cache.
package content

import (
	"context"
	_ "embed"
	"encoding/json"

	"github.com/halcyon-interactive/driftsync/internal/faults"
	"github.com/halcyon-interactive/driftsync/internal/logging"
	"github.com/halcyon-interactive/driftsync/internal/models"
	"github.com/halcyon-interactive/driftsync/internal/store"
	syncpkg "github.com/halcyon-interactive/driftsync/internal/sync"
)

// bootstrapSnapshot is the content-version-0 snapshot shipped inside the
// client, so the application is usable on a true first launch with no
// network.
//
//go:embed bootstrap/content_v0.json
var bootstrapSnapshot []byte

// Manager orchestrates version-check, selective table refetch, and atomic
// local replace.
type Manager struct {
	repo      *store.Repository
	transport syncpkg.Transport
}

// NewManager creates a Manager.
func NewManager(repo *store.Repository, transport syncpkg.Transport) *Manager {
	return &Manager{repo: repo, transport: transport}
}

// EnsureFresh brings the local content cache up to the backend's current
// version. If the version hasn't advanced past the cursor, no table is
// fetched. If the network is unavailable the existing cache keeps serving
// and the method returns nil: offline freshness is degraded, never an error.
// Auth and storage faults do surface.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	if err := m.bootstrapIfEmpty(); err != nil {
		return err
	}

	remoteVersion, err := m.transport.PullVersion(ctx)
	if err != nil {
		return m.swallowOffline("version check", err)
	}

	cursor, err := m.repo.GetCursor()
	if err != nil {
		return err
	}
	if remoteVersion <= cursor.LastAppliedContentVersion {
		return nil
	}

	tables, err := m.transport.PullTables(ctx, cursor.LastAppliedContentVersion)
	if err != nil {
		return m.swallowOffline("table fetch", err)
	}

	for _, table := range tables {
		if err := m.repo.ReplaceTable(table.TableName, table.Rows, table.SchemaVersion, table.ChangedAtVersion); err != nil {
			return err
		}
	}

	cursor.LastAppliedContentVersion = remoteVersion
	if err := m.repo.SaveCursor(cursor); err != nil {
		return err
	}

	logging.Info("Content cache refreshed", map[string]interface{}{
		"version": remoteVersion,
		"tables":  len(tables),
	})
	return nil
}

// Read returns one content row, always from the local cache, never blocking
// on network.
func (m *Manager) Read(tableName, key string) (*models.ContentRow, error) {
	return m.repo.GetContentRow(tableName, key)
}

// ReadTable returns a whole cached table's rows.
func (m *Manager) ReadTable(tableName string) ([]models.ContentRow, error) {
	return m.repo.ListContentRows(tableName)
}

// Tables returns the cached table metadata.
func (m *Manager) Tables() ([]models.ContentTable, error) {
	return m.repo.ListContentTables()
}

// bootstrapIfEmpty loads the bundled version-0 snapshot when the cache holds
// no tables at all (true first launch). The cursor stays at 0 so the first
// successful network contact replaces everything.
func (m *Manager) bootstrapIfEmpty() error {
	has, err := m.repo.HasContentTables()
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	var snapshot struct {
		Version int64                   `json:"version"`
		Tables  []syncpkg.TableSnapshot `json:"tables"`
	}
	if err := json.Unmarshal(bootstrapSnapshot, &snapshot); err != nil {
		return faults.Wrap(faults.CodeInternal, "bundled content snapshot is corrupt", err)
	}

	for _, table := range snapshot.Tables {
		if err := m.repo.ReplaceTable(table.TableName, table.Rows, table.SchemaVersion, table.ChangedAtVersion); err != nil {
			return err
		}
	}

	logging.Info("Loaded bundled content snapshot", map[string]interface{}{
		"version": snapshot.Version,
		"tables":  len(snapshot.Tables),
	})
	return nil
}

// swallowOffline turns transient network faults into a logged no-op; the
// cached content keeps serving. Anything else propagates.
func (m *Manager) swallowOffline(step string, err error) error {
	if faults.Is(err, faults.CodeTransientNetwork) {
		logging.Debug("Content refresh skipped, serving cached tables",
			map[string]interface{}{"step": step, "error": err.Error()})
		return nil
	}
	return err
}
