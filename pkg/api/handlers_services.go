package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ushadow-io/fleetd/pkg/types"
)

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var svc types.ServiceDefinition
	if err := decodeJSON(r, &svc); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	if svc.ServiceID == "" {
		svc.ServiceID = uuid.NewString()
	}
	if err := types.ValidateEnv(svc.Env); err != nil {
		writeBadRequest(w, "invalid env: "+err.Error())
		return
	}
	now := time.Now().UTC()
	svc.CreatedAt = now
	svc.UpdatedAt = now

	if err := s.store.Services().Create(&svc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.Services().List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.store.Services().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Services().Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
