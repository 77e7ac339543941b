package api

import (
	"net/http"

	"github.com/ushadow-io/fleetd/pkg/bootstrap"
	"github.com/ushadow-io/fleetd/pkg/cluster"
	"github.com/ushadow-io/fleetd/pkg/types"
)

func (s *Server) scriptParams(token string) bootstrap.Params {
	return bootstrap.Params{Token: token, LeaderHost: s.leaderHost(), LeaderPort: s.cfg.LeaderPort}
}

// leaderHost reports the VPN address a joining machine should dial,
// falling back to the configured hostname if no VPN address is known yet.
func (s *Server) leaderHost() string {
	w, err := s.manager.Get(s.manager.Hostname())
	if err != nil || w.VPNAddress == "" {
		return s.manager.Hostname()
	}
	return w.VPNAddress
}

func (s *Server) handleJoinScript(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if _, err := s.validateToken(token); err != nil {
		writeText(w, http.StatusOK, "#!/bin/sh\necho 'error: "+err.Error()+"' >&2\nexit 1\n")
		return
	}
	script, err := bootstrap.JoinScript(s.scriptParams(token))
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, script)
}

func (s *Server) handleJoinScriptPS(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if _, err := s.validateToken(token); err != nil {
		writeText(w, http.StatusOK, "Write-Error 'error: "+err.Error()+"'; exit 1\n")
		return
	}
	script, err := bootstrap.JoinScriptPowerShell(s.scriptParams(token))
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, script)
}

func (s *Server) handleBootstrapScript(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if _, err := s.validateToken(token); err != nil {
		writeText(w, http.StatusOK, "#!/bin/sh\necho 'error: "+err.Error()+"' >&2\nexit 1\n")
		return
	}
	script, err := bootstrap.BootstrapScript(s.scriptParams(token))
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, script)
}

func (s *Server) handleBootstrapScriptPS(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if _, err := s.validateToken(token); err != nil {
		writeText(w, http.StatusOK, "Write-Error 'error: "+err.Error()+"'; exit 1\n")
		return
	}
	script, err := bootstrap.BootstrapScriptPowerShell(s.scriptParams(token))
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, script)
}

// validateToken only checks the token is still redeemable; it never
// consumes it, since serving a script is not the same as registering.
func (s *Server) validateToken(token string) (*types.JoinToken, error) {
	return s.manager.ValidateJoinToken(token)
}

type registerRequest struct {
	Token        string              `json:"token"`
	Hostname     string              `json:"hostname"`
	VPNAddress   string              `json:"vpn_address"`
	Platform     types.Platform      `json:"platform"`
	AgentVersion string              `json:"agent_version"`
	Capabilities *types.Capabilities `json:"capabilities,omitempty"`
}

type registerResponse struct {
	Hostname string       `json:"hostname"`
	Status   types.Status `json:"status"`
	Secret   string       `json:"secret,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}

	in := cluster.RegisterInput{
		Hostname:     req.Hostname,
		VPNAddress:   req.VPNAddress,
		Platform:     req.Platform,
		AgentVersion: req.AgentVersion,
	}
	if req.Capabilities != nil {
		in.Capabilities = *req.Capabilities
	}

	worker, secret, err := s.manager.Register(req.Token, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{Hostname: worker.Hostname, Status: worker.Status, Secret: secret})
}

type heartbeatRequest struct {
	Hostname        string                 `json:"hostname"`
	Status          types.Status           `json:"status"`
	ServicesRunning []string               `json:"services_running"`
	Capabilities    *types.Capabilities    `json:"capabilities,omitempty"`
	AgentVersion    string                 `json:"agent_version"`
	Metrics         types.HeartbeatMetrics `json:"metrics"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}

	err := s.manager.ProcessHeartbeat(cluster.Heartbeat{
		Hostname:        req.Hostname,
		Status:          req.Status,
		ServicesRunning: req.ServicesRunning,
		Capabilities:    req.Capabilities,
		AgentVersion:    req.AgentVersion,
		Metrics:         req.Metrics,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
