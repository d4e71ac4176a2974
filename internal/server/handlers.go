package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/halcyon-interactive/driftsync/internal/events"
	"github.com/halcyon-interactive/driftsync/internal/faults"
	"github.com/halcyon-interactive/driftsync/internal/logging"
	"github.com/halcyon-interactive/driftsync/internal/models"
	syncpkg "github.com/halcyon-interactive/driftsync/internal/sync"
)

// principalHeader carries the already-authenticated caller identity. A real
// deployment terminates authentication upstream; this backend only does the
// authorization check against ownerId.
const principalHeader = "X-Principal-ID"

// maxPayloadBytes bounds a single record payload.
const maxPayloadBytes = 64 * 1024

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.CodeOf(err) {
	case faults.CodeNotFound:
		status = http.StatusNotFound
	case faults.CodePermission, faults.CodeAuth:
		status = http.StatusForbidden
	case faults.CodeInvalid, faults.CodeValidationRejected:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// principal extracts and requires the caller identity.
func principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.Header.Get(principalHeader)
	if p == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing principal"})
		return "", false
	}
	return p, true
}

// ===== Content Endpoints =====

// handleContentVersion handles GET /content/version.
func (s *Server) handleContentVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.repo.GetContentVersion()
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"version":   v.Version,
		"updatedAt": v.UpdatedAt,
	})
}

// handleContentTables handles GET /content/tables?since=<version>. Each
// returned table's row set is consistent as of one version snapshot.
func (s *Server) handleContentTables(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		since = 0
	}

	changed, err := s.repo.TablesChangedSince(since)
	if err != nil {
		writeFault(w, err)
		return
	}

	snapshots := make([]syncpkg.TableSnapshot, 0, len(changed))
	for _, table := range changed {
		rows, err := s.repo.ListContentRows(table.TableName)
		if err != nil {
			writeFault(w, err)
			return
		}
		snapshots = append(snapshots, syncpkg.TableSnapshot{
			TableName:        table.TableName,
			SchemaVersion:    table.SchemaVersion,
			ChangedAtVersion: table.ChangedAtVersion,
			Rows:             rows,
		})
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// ===== Record Endpoints =====

// handleRecordsPush handles POST /records/push. Records are applied
// independently with last-write-wins arbitration; a bad record yields a
// rejected result, never a failed batch.
func (s *Server) handleRecordsPush(w http.ResponseWriter, r *http.Request) {
	owner, ok := principal(w, r)
	if !ok {
		return
	}

	var body struct {
		Collection string               `json:"collection"`
		Records    []syncpkg.PushRecord `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Collection == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "collection is required"})
		return
	}

	results := make([]syncpkg.PushResult, 0, len(body.Records))
	for _, rec := range body.Records {
		results = append(results, s.applyOne(body.Collection, owner, rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) applyOne(collection, owner string, rec syncpkg.PushRecord) syncpkg.PushResult {
	if reason := validatePush(rec); reason != "" {
		return syncpkg.PushResult{
			RecordID: rec.RecordID,
			Status:   syncpkg.PushStatusRejected,
			Reason:   reason,
		}
	}

	serverUpdatedAt, err := s.repo.ApplyPush(collection, owner, rec.RecordID, rec.Payload, rec.LocalUpdatedAt)
	if err != nil {
		if faults.Is(err, faults.CodePermission) {
			return syncpkg.PushResult{
				RecordID: rec.RecordID,
				Status:   syncpkg.PushStatusRejected,
				Reason:   "record belongs to another owner",
			}
		}
		logging.Error("Push arbitration failed", err, map[string]interface{}{
			"collection": collection,
			"record_id":  rec.RecordID,
		})
		return syncpkg.PushResult{
			RecordID: rec.RecordID,
			Status:   syncpkg.PushStatusRejected,
			Reason:   "storage failure",
		}
	}

	return syncpkg.PushResult{
		RecordID:        rec.RecordID,
		Status:          syncpkg.PushStatusAccepted,
		ServerUpdatedAt: serverUpdatedAt,
	}
}

func validatePush(rec syncpkg.PushRecord) string {
	if rec.RecordID == "" {
		return "recordId is required"
	}
	if rec.LocalUpdatedAt <= 0 {
		return "localUpdatedAt must be positive"
	}
	if len(rec.Payload) == 0 {
		return "payload is required"
	}
	if len(rec.Payload) > maxPayloadBytes {
		return "payload too large"
	}
	if !json.Valid(rec.Payload) {
		return "payload is not valid JSON"
	}
	return ""
}

// handleRecordsPull handles GET /records/pull?collection=&ownerId=&since=.
// Callers may only pull their own records.
func (s *Server) handleRecordsPull(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	collection := q.Get("collection")
	ownerID := q.Get("ownerId")
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)

	if collection == "" || ownerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "collection and ownerId are required"})
		return
	}
	if caller != ownerID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "principal does not own these records"})
		return
	}

	records, err := s.repo.PullOwnedSince(collection, ownerID, since)
	if err != nil {
		writeFault(w, err)
		return
	}

	out := make([]syncpkg.RemoteRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, syncpkg.RemoteRecord{
			RecordID:        rec.RecordID.String(),
			Payload:         rec.Payload,
			ServerUpdatedAt: rec.ServerUpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleErasure handles DELETE /owners/{ownerId}: the account-deletion hook.
func (s *Server) handleErasure(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	ownerID := r.PathValue("ownerId")
	if caller != ownerID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "principal may only erase itself"})
		return
	}

	n, err := s.repo.PurgeAll(ownerID)
	if err != nil {
		writeFault(w, err)
		return
	}
	logging.Info("Owner erased", map[string]interface{}{
		"owner_id": ownerID,
		"records":  n,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// ===== Operator Endpoints =====

// handlePublishTable handles POST /admin/tables/{tableName}: replaces a
// content table and increments the global content version in one
// transaction.
func (s *Server) handlePublishTable(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("tableName")

	var body struct {
		SchemaVersion int                 `json:"schemaVersion"`
		Rows          []models.ContentRow `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.SchemaVersion < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "schemaVersion must be positive"})
		return
	}

	version, err := s.repo.PublishTable(tableName, body.Rows, body.SchemaVersion)
	if err != nil {
		writeFault(w, err)
		return
	}

	logging.Info("Content table published", map[string]interface{}{
		"table":   tableName,
		"version": version,
		"rows":    len(body.Rows),
	})
	if s.hub != nil {
		s.hub.Broadcast(events.EventContentPublished, map[string]interface{}{
			"table":   tableName,
			"version": version,
		})
	}
	writeJSON(w, http.StatusOK, map[string]int64{"version": version})
}
