package api

import (
	"net/http"

	"github.com/ushadow-io/fleetd/pkg/metrics"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated: token-in-URL or shared-secret-gated.
	mux.HandleFunc("GET /join/{token}", s.handleJoinScript)
	mux.HandleFunc("GET /join/{token}/ps1", s.handleJoinScriptPS)
	mux.HandleFunc("GET /bootstrap/{token}", s.handleBootstrapScript)
	mux.HandleFunc("GET /bootstrap/{token}/ps1", s.handleBootstrapScriptPS)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)

	// Operator-authenticated.
	mux.HandleFunc("POST /tokens", s.operatorAuth(s.handleCreateToken))
	mux.HandleFunc("GET /workers", s.operatorAuth(s.handleListWorkers))
	mux.HandleFunc("GET /workers/{hostname}", s.operatorAuth(s.handleGetWorker))
	mux.HandleFunc("DELETE /workers/{hostname}", s.operatorAuth(s.handleRemoveWorker))
	mux.HandleFunc("POST /workers/{hostname}/release", s.operatorAuth(s.handleReleaseWorker))
	mux.HandleFunc("POST /workers/{hostname}/upgrade", s.operatorAuth(s.handleUpgradeWorker))
	mux.HandleFunc("POST /upgrade-all", s.operatorAuth(s.handleUpgradeAll))
	mux.HandleFunc("GET /discover/peers", s.operatorAuth(s.handleDiscoverPeers))
	mux.HandleFunc("POST /claim", s.operatorAuth(s.handleClaim))

	mux.HandleFunc("POST /deployments", s.operatorAuth(s.handleCreateDeployment))
	mux.HandleFunc("POST /deployments/{id}/{action}", s.operatorAuth(s.handleDeploymentAction))
	mux.HandleFunc("GET /deployments/{id}/logs", s.operatorAuth(s.handleDeploymentLogs))
	mux.HandleFunc("GET /deployments", s.operatorAuth(s.handleListDeployments))
	mux.HandleFunc("GET /deployments/{id}", s.operatorAuth(s.handleGetDeployment))

	mux.HandleFunc("POST /services", s.operatorAuth(s.handleCreateService))
	mux.HandleFunc("GET /services", s.operatorAuth(s.handleListServices))
	mux.HandleFunc("GET /services/{id}", s.operatorAuth(s.handleGetService))
	mux.HandleFunc("DELETE /services/{id}", s.operatorAuth(s.handleDeleteService))

	// Unauthenticated ops surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
