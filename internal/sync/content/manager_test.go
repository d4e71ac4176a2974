package content

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/halcyon-interactive/driftsync/internal/faults"
	"github.com/halcyon-interactive/driftsync/internal/models"
	"github.com/halcyon-interactive/driftsync/internal/store"
	syncpkg "github.com/halcyon-interactive/driftsync/internal/sync"
)

// fakeTransport counts calls and serves canned responses.
type fakeTransport struct {
	version        int64
	tables         []syncpkg.TableSnapshot
	err            error
	versionCalls   int
	tableCalls     int
	lastTableSince int64
}

func (f *fakeTransport) PullVersion(ctx context.Context) (int64, error) {
	f.versionCalls++
	if f.err != nil {
		return 0, f.err
	}
	return f.version, nil
}

func (f *fakeTransport) PullTables(ctx context.Context, changedSince int64) ([]syncpkg.TableSnapshot, error) {
	f.tableCalls++
	f.lastTableSince = changedSince
	if f.err != nil {
		return nil, f.err
	}
	return f.tables, nil
}

func (f *fakeTransport) PushBatch(ctx context.Context, collection string, records []syncpkg.PushRecord) ([]syncpkg.PushResult, error) {
	return nil, nil
}

func (f *fakeTransport) PullOwnedRecords(ctx context.Context, collection string, since int64) ([]syncpkg.RemoteRecord, error) {
	return nil, nil
}

func testManager(t *testing.T, tr syncpkg.Transport) (*Manager, *store.Repository) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := store.NewRepository(db)
	t.Cleanup(func() { repo.Close() })
	return NewManager(repo, tr), repo
}

// TestBootstrapOnFirstLaunch tests that an empty cache with no network still
// serves the bundled snapshot.
func TestBootstrapOnFirstLaunch(t *testing.T) {
	tr := &fakeTransport{err: faults.New(faults.CodeTransientNetwork, "no network")}
	m, _ := testManager(t, tr)

	if err := m.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh failed offline: %v", err)
	}

	row, err := m.Read("equipment", "sword_basic")
	if err != nil {
		t.Fatalf("Read from bootstrap snapshot failed: %v", err)
	}
	if len(row.Data) == 0 {
		t.Error("Expected bootstrap row data")
	}

	tables, err := m.Tables()
	if err != nil {
		t.Fatalf("Tables failed: %v", err)
	}
	if len(tables) == 0 {
		t.Error("Expected bootstrap tables in cache")
	}
}

// TestEnsureFreshShortCircuit tests that an unchanged version fetches no
// tables.
func TestEnsureFreshShortCircuit(t *testing.T) {
	tr := &fakeTransport{version: 5}
	m, repo := testManager(t, tr)

	cursor, err := repo.GetCursor()
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	cursor.LastAppliedContentVersion = 5
	if err := repo.SaveCursor(cursor); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}

	if err := m.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}

	if tr.versionCalls != 1 {
		t.Errorf("Expected 1 version call, got %d", tr.versionCalls)
	}
	if tr.tableCalls != 0 {
		t.Errorf("Expected zero table fetches when version is current, got %d", tr.tableCalls)
	}
}

// TestEnsureFreshAppliesTables tests a full refresh cycle.
func TestEnsureFreshAppliesTables(t *testing.T) {
	tr := &fakeTransport{
		version: 3,
		tables: []syncpkg.TableSnapshot{{
			TableName:        "equipment",
			SchemaVersion:    2,
			ChangedAtVersion: 3,
			Rows: []models.ContentRow{
				{Key: "sword_flame", Data: json.RawMessage(`{"attack":12}`)},
			},
		}},
	}
	m, repo := testManager(t, tr)

	if err := m.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}

	// The bundled snapshot's equipment table was wholly replaced.
	row, err := m.Read("equipment", "sword_flame")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(row.Data) != `{"attack":12}` {
		t.Errorf("Unexpected row data: %s", row.Data)
	}
	if _, err := m.Read("equipment", "sword_basic"); !faults.Is(err, faults.CodeNotFound) {
		t.Errorf("Expected old rows replaced, got %v", err)
	}

	cursor, _ := repo.GetCursor()
	if cursor.LastAppliedContentVersion != 3 {
		t.Errorf("Expected cursor advanced to 3, got %d", cursor.LastAppliedContentVersion)
	}
	if tr.lastTableSince != 0 {
		t.Errorf("Expected delta fetch since 0, got %d", tr.lastTableSince)
	}
}

// TestEnsureFreshOfflineServesCache tests that a populated cache plus a dead
// network is not an error.
func TestEnsureFreshOfflineServesCache(t *testing.T) {
	live := &fakeTransport{
		version: 1,
		tables: []syncpkg.TableSnapshot{{
			TableName:     "dungeons",
			SchemaVersion: 1,
			Rows:          []models.ContentRow{{Key: "d1", Data: json.RawMessage(`{"floors":5}`)}},
		}},
	}
	m, repo := testManager(t, live)
	if err := m.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}

	// Network goes away.
	dead := NewManager(repo, &fakeTransport{err: faults.New(faults.CodeTransientNetwork, "offline")})
	if err := dead.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("Expected offline EnsureFresh to succeed, got %v", err)
	}

	row, err := dead.Read("dungeons", "d1")
	if err != nil {
		t.Fatalf("Read from cache failed: %v", err)
	}
	if string(row.Data) != `{"floors":5}` {
		t.Errorf("Unexpected cached data: %s", row.Data)
	}
}

// TestEnsureFreshAuthFaultSurfaces tests that auth failures are not
// swallowed like network blips.
func TestEnsureFreshAuthFaultSurfaces(t *testing.T) {
	tr := &fakeTransport{err: faults.New(faults.CodeAuth, "token expired")}
	m, _ := testManager(t, tr)

	err := m.EnsureFresh(context.Background())
	if !faults.Is(err, faults.CodeAuth) {
		t.Errorf("Expected auth fault to surface, got %v", err)
	}
}
