package api

import (
	"net/http"

	"github.com/ushadow-io/fleetd/pkg/storage"
)

// handleHealth is a pure liveness check: if the process can answer HTTP,
// it is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady additionally confirms the fleet database is reachable.
// There is no consensus to wait on here, only a local store to open.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Nodes().List(storage.NodeFilter{}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
