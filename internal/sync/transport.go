// Package sync defines the wire contract between the client-side sync engine
// and the progression backend.
package sync

import (
	"context"
	"encoding/json"

	"github.com/halcyon-interactive/driftsync/internal/models"
)

// PushRecord is one record in an outbound push batch.
type PushRecord struct {
	RecordID       string          `json:"recordId"`
	Payload        json.RawMessage `json:"payload"`
	LocalUpdatedAt int64           `json:"localUpdatedAt"`
}

// Push statuses reported by the backend.
const (
	PushStatusAccepted = "accepted"
	PushStatusRejected = "rejected"
)

// PushResult is the backend's verdict on a single pushed record. A batch may
// carry a mix of accepted and rejected results.
type PushResult struct {
	RecordID        string `json:"recordId"`
	Status          string `json:"status"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Accepted reports whether the backend accepted the record.
func (r PushResult) Accepted() bool {
	return r.Status == PushStatusAccepted
}

// RemoteRecord is a server-side record returned by a pull.
type RemoteRecord struct {
	RecordID        string          `json:"recordId"`
	Payload         json.RawMessage `json:"payload"`
	ServerUpdatedAt int64           `json:"serverUpdatedAt"`
}

// TableSnapshot is one content table's full row set, consistent as of a
// single global content version.
type TableSnapshot struct {
	TableName        string              `json:"tableName"`
	SchemaVersion    int                 `json:"schemaVersion"`
	ChangedAtVersion int64               `json:"changedAtVersion"`
	Rows             []models.ContentRow `json:"rows"`
}

// Transport is the network client for the sync protocol. Implementations
// isolate all partial-failure handling: every method returns typed faults
// (TRANSIENT_NETWORK_FAULT, AUTH_FAULT), never raw transport errors, and
// every call has a bounded timeout.
type Transport interface {
	// PullVersion returns the backend's current global content version.
	// Cheap; called once per orchestrator cycle.
	PullVersion(ctx context.Context) (int64, error)

	// PullTables returns the tables whose server-side content changed after
	// the given version, each fully consistent as of one version snapshot.
	PullTables(ctx context.Context, changedSince int64) ([]TableSnapshot, error)

	// PushBatch sends one batch for a collection and returns a per-record
	// verdict. Partial outcomes are expected and handled per record, never
	// as an all-or-nothing unit.
	PushBatch(ctx context.Context, collection string, records []PushRecord) ([]PushResult, error)

	// PullOwnedRecords returns the principal's records updated on the
	// server strictly after the given timestamp.
	PullOwnedRecords(ctx context.Context, collection string, since int64) ([]RemoteRecord, error)
}
