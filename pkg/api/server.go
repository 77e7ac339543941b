// Package api implements the leader's HTTP control plane: join/bootstrap
// script serving, worker registration and heartbeat ingestion, the
// operator-facing worker/token/deployment/service endpoints, and the
// liveness/readiness/metrics surface. Built on net/http.ServeMux with Go
// 1.22+ method+wildcard routing, the same style the agent's control API
// uses.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ushadow-io/fleetd/pkg/cluster"
	"github.com/ushadow-io/fleetd/pkg/deployment"
	"github.com/ushadow-io/fleetd/pkg/fleeterr"
	"github.com/ushadow-io/fleetd/pkg/log"
	"github.com/ushadow-io/fleetd/pkg/storage"
)

// Config configures a Server.
type Config struct {
	Address       string
	OperatorToken string
	LeaderPort    int // port used when composing join/bootstrap URLs
	AgentVersion  string
}

// Server is the leader's HTTP control plane.
type Server struct {
	cfg     Config
	manager *cluster.Manager
	engine  *deployment.Engine
	store   storage.Store
	http    *http.Server
	logger  zerolog.Logger
}

// New constructs a Server. Call Start to begin serving.
func New(cfg Config, manager *cluster.Manager, engine *deployment.Engine, store storage.Store) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		engine:  engine,
		store:   store,
		logger:  log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.cfg.Address).Msg("control plane listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// operatorAuth gates every operator-facing route behind the configured
// bearer token, compared in constant time.
func (s *Server) operatorAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, fleeterr.New(fleeterr.Unauthorized, "missing operator bearer token"))
			return
		}
		presented := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.OperatorToken)) != 1 {
			writeError(w, fleeterr.New(fleeterr.Unauthorized, "invalid operator token"))
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, fleeterr.StatusFor(fleeterr.KindOf(err)), map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
