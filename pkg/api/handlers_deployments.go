package api

import (
	"net/http"
	"strconv"

	"github.com/ushadow-io/fleetd/pkg/fleeterr"
)

type createDeploymentRequest struct {
	ServiceID      string `json:"service_id"`
	WorkerHostname string `json:"worker_hostname"`
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	dep, err := s.engine.Deploy(req.ServiceID, req.WorkerHostname)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// handleDeploymentAction dispatches POST /deployments/{id}/{action} among
// the deployment lifecycle transitions the engine supports.
func (s *Server) handleDeploymentAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	switch r.PathValue("action") {
	case "stop":
		err = s.engine.Stop(id)
	case "restart":
		err = s.engine.Restart(id)
	case "remove":
		err = s.engine.Remove(id)
	default:
		writeBadRequest(w, "unknown deployment action: "+r.PathValue("action"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	tail := 200
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}
	logs, err := s.engine.Logs(r.PathValue("id"), tail)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		writeError(w, fleeterr.New(fleeterr.Unreachable, "worker agent unreachable"))
		return
	}
	writeText(w, http.StatusOK, *logs)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := s.engine.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}
