// Package conflict provides last-write-wins resolution for concurrent edits
// of the same record from multiple devices.
package conflict

import (
	"bytes"
	"time"

	"github.com/halcyon-interactive/driftsync/internal/logging"
	"github.com/halcyon-interactive/driftsync/internal/models"
)

// Decision is the outcome of resolving one local/remote pair.
type Decision string

const (
	DecisionKeepLocal  Decision = "keep_local"
	DecisionKeepRemote Decision = "keep_remote"
)

// Resolution carries the winning side and, when a side was genuinely
// discarded, a log entry for user awareness. Adoptions (one side absent)
// produce no log entry.
type Resolution struct {
	Decision    Decision
	Winner      *models.Record
	ConflictLog *models.ConflictLog
}

// Resolver decides which side of a concurrent edit wins. Whole-record
// last-write-wins: no field-level merging.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve resolves a local/remote pair for the same record.
//
// A nil side is an adoption, not a conflict: a never-synced local record and
// a remote record with no local counterpart are both simply kept. With both
// sides present, the strictly newer timestamp wins (local clock vs the
// server's authoritative timestamp). Exact ties break deterministically so
// two clients resolving the same tie converge without coordination.
//
// Tombstones are compared as ordinary payloads: a newer tombstone wins over
// a live record, and a later live write undoes a delete.
func (r *Resolver) Resolve(local, remote *models.Record) *Resolution {
	if local == nil && remote == nil {
		return nil
	}
	if local == nil {
		return &Resolution{Decision: DecisionKeepRemote, Winner: remote}
	}
	if remote == nil {
		return &Resolution{Decision: DecisionKeepLocal, Winner: local}
	}

	decision := r.decide(local, remote)

	resolution := &Resolution{Decision: decision}
	log := &models.ConflictLog{
		RecordID:        local.RecordID,
		Collection:      local.Collection,
		LocalTimestamp:  local.LocalUpdatedAt,
		RemoteTimestamp: remote.ServerUpdatedAt,
		DetectedAt:      time.Now().UnixMilli(),
	}
	if decision == DecisionKeepLocal {
		resolution.Winner = local
		log.Resolution = models.ResolutionLocalWins
	} else {
		resolution.Winner = remote
		log.Resolution = models.ResolutionRemoteWins
	}
	resolution.ConflictLog = log

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"collection":       local.Collection,
			"record_id":        local.RecordID,
			"local_timestamp":  local.LocalUpdatedAt,
			"remote_timestamp": remote.ServerUpdatedAt,
			"resolution":       log.Resolution,
		})

	return resolution
}

func (r *Resolver) decide(local, remote *models.Record) Decision {
	if local.LocalUpdatedAt > remote.ServerUpdatedAt {
		return DecisionKeepLocal
	}
	if local.LocalUpdatedAt < remote.ServerUpdatedAt {
		return DecisionKeepRemote
	}
	return tieBreak(local, remote)
}

// tieBreak orders an exact-millisecond tie deterministically: owner, then
// record id, then payload bytes. Both clients see the same pair, so both
// reach the same winner.
func tieBreak(local, remote *models.Record) Decision {
	if local.OwnerID != remote.OwnerID {
		if local.OwnerID > remote.OwnerID {
			return DecisionKeepLocal
		}
		return DecisionKeepRemote
	}
	if local.RecordID != remote.RecordID {
		if local.RecordID > remote.RecordID {
			return DecisionKeepLocal
		}
		return DecisionKeepRemote
	}
	if bytes.Compare(local.Payload, remote.Payload) >= 0 {
		return DecisionKeepLocal
	}
	return DecisionKeepRemote
}

// IsConflict reports whether a remote update genuinely competes with local
// state. A remote version the local record has already seen, or a remote
// update against a fully synced local record, is a plain apply/skip, not a
// conflict.
func IsConflict(local *models.Record, remote *models.Record) bool {
	if local == nil || remote == nil {
		return false
	}
	if remote.ServerUpdatedAt <= local.ServerUpdatedAt {
		// Local has already seen this remote version.
		return false
	}
	// Remote is newer than the last accepted version; it conflicts only
	// if the local side diverged since then.
	return local.SyncState != models.SyncStateSynced
}
