// Package server implements the reference sync backend: the content fetch
// and record sync protocol over the same sqlite store the client uses.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/halcyon-interactive/driftsync/internal/events"
	"github.com/halcyon-interactive/driftsync/internal/logging"
	"github.com/halcyon-interactive/driftsync/internal/store"
)

// Server hosts the sync protocol endpoints.
type Server struct {
	repo *store.Repository
	hub  *events.Hub
	http *http.Server
}

// NewServer creates a Server over the given repository. hub may be nil.
func NewServer(repo *store.Repository, hub *events.Hub, addr string) *Server {
	s := &Server{repo: repo, hub: hub}

	mux := http.NewServeMux()
	// Content tables are public-read: no principal required.
	mux.HandleFunc("GET /content/version", s.handleContentVersion)
	mux.HandleFunc("GET /content/tables", s.handleContentTables)
	// Record endpoints require the principal to match the owner.
	mux.HandleFunc("POST /records/push", s.handleRecordsPush)
	mux.HandleFunc("GET /records/pull", s.handleRecordsPull)
	mux.HandleFunc("DELETE /owners/{ownerId}", s.handleErasure)
	// Operator endpoint: publish a content table, bumping the global version.
	mux.HandleFunc("POST /admin/tables/{tableName}", s.handlePublishTable)
	if hub != nil {
		mux.HandleFunc("GET /events", events.Handler(hub))
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	logging.Info("Reference backend listening", map[string]interface{}{
		"addr": s.http.Addr,
	})
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
