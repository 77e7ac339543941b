package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ushadow-io/fleetd/pkg/metrics"
	"github.com/ushadow-io/fleetd/pkg/runtime"
	"github.com/ushadow-io/fleetd/pkg/types"
)

// routes wires the control API's ServeMux. /health and /info are
// unauthenticated liveness/identity probes used by the leader's
// discovery prober before a worker even has a secret provisioned;
// every other route requires a matching X-Node-Secret header.
func (a *Agent) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /info", a.handleInfo)
	mux.Handle("GET /metrics", a.authenticated(metrics.Handler().ServeHTTP))

	mux.Handle("POST /deploy", a.authenticated(a.handleDeploy))
	mux.Handle("POST /stop", a.authenticated(a.handleStop))
	mux.Handle("POST /restart", a.authenticated(a.handleRestart))
	mux.Handle("POST /remove", a.authenticated(a.handleRemove))
	mux.Handle("POST /upgrade", a.authenticated(a.handleUpgrade))
	mux.Handle("GET /status/{name}", a.authenticated(a.handleStatus))
	mux.Handle("GET /logs/{name}", a.authenticated(a.handleLogs))
	mux.Handle("GET /containers", a.authenticated(a.handleContainers))

	return mux
}

func (a *Agent) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Node-Secret")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.cfg.NodeSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid node secret")
			return
		}
		next(w, r)
	})
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "healthy",
		Hostname:        a.cfg.Hostname,
		AgentVersion:    a.cfg.AgentVersion,
		DockerAvailable: true,
	})
}

func (a *Agent) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{
		Hostname:     a.cfg.Hostname,
		VPNAddress:   a.cfg.VPNAddress,
		AgentVersion: a.cfg.AgentVersion,
	})
}

func (a *Agent) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ContainerName == "" || req.Image == "" {
		writeError(w, http.StatusBadRequest, "container_name and image are required")
		return
	}

	unlock := a.locks.lock(req.ContainerName)
	defer unlock()

	ctx := r.Context()

	if a.runtime.IsRunning(ctx, req.ContainerName) {
		if err := a.runtime.StopContainer(ctx, req.ContainerName, 10*time.Second); err != nil {
			writeError(w, http.StatusInternalServerError, "stop existing container: "+err.Error())
			return
		}
	}
	if err := a.runtime.DeleteContainer(ctx, req.ContainerName); err != nil {
		writeError(w, http.StatusInternalServerError, "remove existing container: "+err.Error())
		return
	}

	if err := a.runtime.PullImage(ctx, req.Image); err != nil {
		writeError(w, http.StatusBadGateway, "pull image: "+err.Error())
		return
	}

	ports, err := parsePorts(req.Ports)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	spec := &runtime.ContainerSpec{
		ID:            req.ContainerName,
		Image:         req.Image,
		Env:           envSlice(req.Env),
		Command:       req.Command,
		Ports:         ports,
		Mounts:        parseVolumes(req.Volumes),
		RestartPolicy: req.RestartPolicy,
	}

	id, err := a.runtime.CreateContainer(ctx, spec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create container: "+err.Error())
		return
	}
	if err := a.runtime.StartContainer(ctx, id, ports); err != nil {
		writeError(w, http.StatusInternalServerError, "start container: "+err.Error())
		return
	}

	metrics.AgentContainersRunning.Inc()
	writeJSON(w, http.StatusOK, DeployResponse{
		Success:       true,
		ContainerID:   id,
		ContainerName: req.ContainerName,
		Status:        string(runtime.StateRunning),
	})
}

func (a *Agent) handleStop(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	unlock := a.locks.lock(req.ContainerName)
	defer unlock()

	if err := a.runtime.StopContainer(r.Context(), req.ContainerName, 10*time.Second); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.AgentContainersRunning.Dec()
	writeJSON(w, http.StatusOK, DeployResponse{Success: true, ContainerName: req.ContainerName, Status: string(runtime.StateComplete)})
}

func (a *Agent) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	unlock := a.locks.lock(req.ContainerName)
	defer unlock()

	ctx := r.Context()
	if err := a.runtime.StopContainer(ctx, req.ContainerName, 10*time.Second); err != nil {
		writeError(w, http.StatusInternalServerError, "stop: "+err.Error())
		return
	}
	if err := a.runtime.StartContainer(ctx, req.ContainerName, nil); err != nil {
		writeError(w, http.StatusInternalServerError, "start: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DeployResponse{Success: true, ContainerName: req.ContainerName, Status: string(runtime.StateRunning)})
}

func (a *Agent) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	unlock := a.locks.lock(req.ContainerName)
	defer unlock()

	if err := a.runtime.DeleteContainer(r.Context(), req.ContainerName); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.AgentContainersRunning.Dec()
	writeJSON(w, http.StatusOK, DeployResponse{Success: true, ContainerName: req.ContainerName})
}

// handleUpgrade replaces the agent binary's own running container with a
// new image. The image is pulled first, so a failed pull is answered
// with an error; the 202 response is then sent before the recreate
// happens: the agent is about to kill the container it's running in, so
// there is no connection left to answer on by the time the swap completes.
func (a *Agent) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req UpgradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	if err := a.runtime.PullImage(r.Context(), req.Image); err != nil {
		writeError(w, http.StatusBadGateway, "pull image: "+err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, DeployResponse{Success: true, Status: "upgrading"})

	go func() {
		unlock := a.locks.lock(selfContainerName)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		// Give the response time to reach the caller before we kill the
		// container we're answering from.
		time.Sleep(selfUpgradeSettleDelay)

		a.logger.Info().Str("image", req.Image).Msg("self-upgrade requested")

		current, err := a.runtime.InspectContainer(ctx, selfContainerName)
		if err != nil {
			a.logger.Error().Err(err).Msg("self-upgrade inspect failed")
			return
		}
		a.logger.Info().
			Int("env_count", len(current.Env)).
			Int("port_count", len(current.Ports)).
			Int("mount_count", len(current.Mounts)).
			Msg("captured running config for self-upgrade")

		if a.runtime.IsRunning(ctx, selfContainerName) {
			if err := a.runtime.StopContainer(ctx, selfContainerName, 10*time.Second); err != nil {
				a.logger.Error().Err(err).Msg("self-upgrade stop failed")
				return
			}
		}
		if err := a.runtime.DeleteContainer(ctx, selfContainerName); err != nil {
			a.logger.Error().Err(err).Msg("self-upgrade remove failed")
			return
		}

		// Carry over the captured env, mounts and ports; the new image
		// supplies its own command, so it is deliberately not preserved.
		spec := &runtime.ContainerSpec{
			ID:            selfContainerName,
			Image:         req.Image,
			Env:           current.Env,
			Mounts:        current.Mounts,
			Ports:         current.Ports,
			RestartPolicy: types.RestartUnlessStopped,
		}
		id, err := a.runtime.CreateContainer(ctx, spec)
		if err != nil {
			a.logger.Error().Err(err).Msg("self-upgrade recreate failed")
			return
		}
		if err := a.runtime.StartContainer(ctx, id, spec.Ports); err != nil {
			a.logger.Error().Err(err).Msg("self-upgrade start failed")
		}
	}()
}

// selfContainerName is the well-known name the agent's own container
// registers under, so an upgrade request can find and replace it.
const selfContainerName = "fleet-agent"

// selfUpgradeSettleDelay gives the upgrade-accepted response time to
// reach the caller before the handler kills its own container.
const selfUpgradeSettleDelay = 3 * time.Second

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	state, err := a.runtime.GetContainerStatus(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{ContainerName: name, Status: string(state)})
}

func (a *Agent) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	rc, err := a.runtime.GetContainerLogs(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer rc.Close()

	lines, err := readTail(rc, tail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(lines, "\n")))
}

func (a *Agent) handleContainers(w http.ResponseWriter, r *http.Request) {
	names, err := a.runtime.ListContainers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ContainersResponse{Containers: names})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

// parsePorts turns "containerPort/proto" -> hostPort map entries from the
// wire DTO into runtime port bindings.
func parsePorts(ports map[string]int) ([]runtime.PortBinding, error) {
	var out []runtime.PortBinding
	for spec, hostPort := range ports {
		parts := strings.SplitN(spec, "/", 2)
		containerPort, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, &portParseError{spec}
		}
		proto := "tcp"
		if len(parts) == 2 && parts[1] != "" {
			proto = parts[1]
		}
		out = append(out, runtime.PortBinding{
			ContainerPort: containerPort,
			Proto:         proto,
			HostPort:      hostPort,
		})
	}
	return out, nil
}

type portParseError struct{ spec string }

func (e *portParseError) Error() string {
	return "invalid port mapping \"" + e.spec + "\": expected \"<port>/tcp\""
}

// parseVolumes turns "host:container[:ro]" entries into runtime mounts.
func parseVolumes(volumes []string) []runtime.Mount {
	var out []runtime.Mount
	for _, v := range volumes {
		parts := strings.Split(v, ":")
		if len(parts) < 2 {
			continue
		}
		m := runtime.Mount{Source: parts[0], Destination: parts[1]}
		if len(parts) == 3 && parts[2] == "ro" {
			m.ReadOnly = true
		}
		out = append(out, m)
	}
	return out
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
