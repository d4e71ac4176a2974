package conflict

import (
	"encoding/json"
	"testing"

	"github.com/halcyon-interactive/driftsync/internal/models"
)

func localRecord(id string, localUpdatedAt, serverUpdatedAt int64, payload string) *models.Record {
	return &models.Record{
		RecordID:        models.UUID(id),
		Collection:      "tasks",
		OwnerID:         "player-1",
		Payload:         json.RawMessage(payload),
		LocalUpdatedAt:  localUpdatedAt,
		ServerUpdatedAt: serverUpdatedAt,
		SyncState:       models.SyncStatePending,
	}
}

func remoteRecord(id string, serverUpdatedAt int64, payload string) *models.Record {
	return &models.Record{
		RecordID:        models.UUID(id),
		Collection:      "tasks",
		OwnerID:         "player-1",
		Payload:         json.RawMessage(payload),
		ServerUpdatedAt: serverUpdatedAt,
	}
}

// TestResolveLastWriteWins tests that the strictly newer timestamp wins.
func TestResolveLastWriteWins(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name     string
		localTS  int64
		remoteTS int64
		want     Decision
	}{
		{"local newer", 2000, 1000, DecisionKeepLocal},
		{"remote newer", 1000, 2000, DecisionKeepRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := localRecord("r1", tt.localTS, 0, `{"done":false}`)
			remote := remoteRecord("r1", tt.remoteTS, `{"done":true}`)

			res := r.Resolve(local, remote)
			if res.Decision != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, res.Decision)
			}
			if res.ConflictLog == nil {
				t.Error("Expected conflict log for a genuine conflict")
			}
		})
	}
}

// TestResolveAdoption tests that a nil side is adopted without a conflict log.
func TestResolveAdoption(t *testing.T) {
	r := NewResolver()

	local := localRecord("r1", 1000, 0, `{}`)
	res := r.Resolve(local, nil)
	if res.Decision != DecisionKeepLocal {
		t.Errorf("Expected keep_local for missing remote, got %s", res.Decision)
	}
	if res.ConflictLog != nil {
		t.Error("Adoption must not produce a conflict log")
	}

	remote := remoteRecord("r2", 2000, `{}`)
	res = r.Resolve(nil, remote)
	if res.Decision != DecisionKeepRemote {
		t.Errorf("Expected keep_remote for missing local, got %s", res.Decision)
	}
	if res.ConflictLog != nil {
		t.Error("Adoption must not produce a conflict log")
	}

	if r.Resolve(nil, nil) != nil {
		t.Error("Expected nil resolution for nil pair")
	}
}

// TestResolveTieDeterministic tests that two clients resolving the same
// exact-timestamp tie from opposite sides reach the same winning payload.
func TestResolveTieDeterministic(t *testing.T) {
	r := NewResolver()

	payloadA := `{"done":false}`
	payloadB := `{"done":true}`

	// Client X holds A locally, sees B remotely.
	x := r.Resolve(
		localRecord("r1", 1000, 0, payloadA),
		remoteRecord("r1", 1000, payloadB),
	)
	// Client Y holds B locally, sees A remotely.
	y := r.Resolve(
		localRecord("r1", 1000, 0, payloadB),
		remoteRecord("r1", 1000, payloadA),
	)

	if string(x.Winner.Payload) != string(y.Winner.Payload) {
		t.Errorf("Tie-break diverged: X kept %s, Y kept %s", x.Winner.Payload, y.Winner.Payload)
	}
}

// TestResolveTieByOwner tests the owner-first lexical tie-break.
func TestResolveTieByOwner(t *testing.T) {
	r := NewResolver()

	local := localRecord("r1", 1000, 0, `{}`)
	local.OwnerID = "player-2"
	remote := remoteRecord("r1", 1000, `{}`)
	remote.OwnerID = "player-1"

	res := r.Resolve(local, remote)
	if res.Decision != DecisionKeepLocal {
		t.Errorf("Expected greater owner to win the tie, got %s", res.Decision)
	}
}

// TestResolveTombstones tests that tombstones compare as regular payloads.
func TestResolveTombstones(t *testing.T) {
	r := NewResolver()

	// Newer tombstone beats a live record.
	local := localRecord("r1", 1000, 0, `{"done":false}`)
	remote := remoteRecord("r1", 2000, string(models.TombstonePayload()))
	res := r.Resolve(local, remote)
	if res.Decision != DecisionKeepRemote {
		t.Errorf("Expected newer tombstone to win, got %s", res.Decision)
	}
	if !res.Winner.IsTombstone() {
		t.Error("Expected winning record to be a tombstone")
	}

	// A later live write undoes the delete.
	local = localRecord("r1", 3000, 0, `{"done":false}`)
	local.Payload = json.RawMessage(`{"done":false}`)
	remote = remoteRecord("r1", 2000, string(models.TombstonePayload()))
	res = r.Resolve(local, remote)
	if res.Decision != DecisionKeepLocal {
		t.Errorf("Expected later live write to undo delete, got %s", res.Decision)
	}
}

// TestIsConflict tests conflict detection against the sync state.
func TestIsConflict(t *testing.T) {
	tests := []struct {
		name   string
		local  *models.Record
		remote *models.Record
		want   bool
	}{
		{
			name:   "nil local",
			local:  nil,
			remote: remoteRecord("r1", 1000, `{}`),
			want:   false,
		},
		{
			name:   "remote already seen",
			local:  localRecord("r1", 1000, 2000, `{}`),
			remote: remoteRecord("r1", 2000, `{}`),
			want:   false,
		},
		{
			name: "remote newer, local synced",
			local: &models.Record{
				RecordID: "r1", Collection: "tasks", OwnerID: "player-1",
				LocalUpdatedAt: 1000, ServerUpdatedAt: 1000,
				SyncState: models.SyncStateSynced,
			},
			remote: remoteRecord("r1", 2000, `{}`),
			want:   false,
		},
		{
			name:   "remote newer, local diverged",
			local:  localRecord("r1", 1500, 1000, `{}`),
			remote: remoteRecord("r1", 2000, `{}`),
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConflict(tt.local, tt.remote); got != tt.want {
				t.Errorf("IsConflict = %v, want %v", got, tt.want)
			}
		})
	}
}
