package api

import (
	"net/http"
	"time"

	"github.com/ushadow-io/fleetd/pkg/storage"
	"github.com/ushadow-io/fleetd/pkg/types"
)

type createTokenRequest struct {
	CreatedBy string        `json:"created_by"`
	Role      types.Role    `json:"role"`
	MaxUses   int           `json:"max_uses"`
	TTL       time.Duration `json:"ttl_seconds"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	ttl := req.TTL * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	role := req.Role
	if role == "" {
		role = types.RoleWorker
	}
	token, err := s.manager.IssueJoinToken(req.CreatedBy, role, req.MaxUses, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	filter := storage.NodeFilter{
		Status: types.Status(r.URL.Query().Get("status")),
		Role:   types.Role(r.URL.Query().Get("role")),
	}
	workers, err := s.manager.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.manager.Get(r.PathValue("hostname"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	_, err := s.manager.Remove(r.PathValue("hostname"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleReleaseWorker frees a hostname so it may later be reclaimed,
// without implying any wrongdoing the way a forced removal might. In
// this single-leader architecture the effect on the local record is
// identical to removal.
func (s *Server) handleReleaseWorker(w http.ResponseWriter, r *http.Request) {
	_, err := s.manager.Remove(r.PathValue("hostname"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type upgradeRequest struct {
	Image string `json:"image"`
}

func (s *Server) handleUpgradeWorker(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	if err := s.manager.UpgradeWorker(r.PathValue("hostname"), req.Image); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "upgrading"})
}

type upgradeFailure struct {
	Hostname string `json:"hostname"`
	Error    string `json:"error"`
}

type upgradeAllResponse struct {
	Total     int              `json:"total"`
	Succeeded []string         `json:"succeeded"`
	Failed    []upgradeFailure `json:"failed"`
	Image     string           `json:"image"`
}

func (s *Server) handleUpgradeAll(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	results := s.manager.UpgradeAll(req.Image)
	resp := upgradeAllResponse{Total: len(results), Image: req.Image, Succeeded: []string{}, Failed: []upgradeFailure{}}
	for hostname, err := range results {
		if err != nil {
			resp.Failed = append(resp.Failed, upgradeFailure{Hostname: hostname, Error: err.Error()})
		} else {
			resp.Succeeded = append(resp.Succeeded, hostname)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiscoverPeers(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.DiscoverPeers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type claimRequest struct {
	Hostname   string `json:"hostname"`
	VPNAddress string `json:"vpn_address"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	worker, secret, err := s.manager.Claim(req.Hostname, req.VPNAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Hostname: worker.Hostname, Status: worker.Status, Secret: secret})
}
