// Package agent implements the per-worker daemon: a heartbeat loop that
// reports liveness and metrics to the leader, and an HTTP control API
// the leader uses to drive container lifecycle commands.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ushadow-io/fleetd/pkg/log"
	"github.com/ushadow-io/fleetd/pkg/runtime"
	"github.com/ushadow-io/fleetd/pkg/types"
)

// Config configures one WorkerAgent instance.
type Config struct {
	Hostname         string
	VPNAddress       string
	LeaderURL        string
	NodeSecret       string
	Address          string // bind address for the control API, e.g. ":8444"
	ContainerdSocket string
	ContainerLogDir  string
	DataDir          string
	HeartbeatPeriod  time.Duration
	AgentVersion     string
	LeaderEligible   bool
}

// Agent is the worker's daemon: it owns a container runtime, serves the
// control API, and drives the outbound heartbeat loop.
type Agent struct {
	cfg Config

	runtime *runtime.Runtime
	locks   nameLocks
	client  *http.Client
	server  *http.Server
	logger  zerolog.Logger

	stopCh chan struct{}
}

// New constructs an Agent and connects its container runtime. It does
// not yet start the heartbeat loop or HTTP server; call Start for that.
func New(cfg Config) (*Agent, error) {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 15 * time.Second
	}
	if cfg.Address == "" {
		cfg.Address = ":8444"
	}

	rt, err := runtime.New(cfg.ContainerdSocket, cfg.ContainerLogDir)
	if err != nil {
		return nil, fmt.Errorf("initialize container runtime: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		runtime: rt,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log.WithWorkerHostname(cfg.Hostname),
		stopCh:  make(chan struct{}),
	}
	a.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      a.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// Start launches the heartbeat loop and the control API server. It
// blocks serving HTTP until Shutdown stops the server.
func (a *Agent) Start() error {
	go a.heartbeatLoop()

	a.logger.Info().Str("address", a.cfg.Address).Msg("worker agent control API listening")
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve control API: %w", err)
	}
	return nil
}

// Shutdown stops the heartbeat loop and drains the HTTP server.
func (a *Agent) Shutdown(ctx context.Context) error {
	close(a.stopCh)
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown control API: %w", err)
	}
	return a.runtime.Close()
}

func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	a.logger.Info().Dur("period", a.cfg.HeartbeatPeriod).Msg("heartbeat loop started")

	for {
		select {
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				a.logger.Error().Err(err).Msg("heartbeat failed")
			}
		case <-a.stopCh:
			a.logger.Info().Msg("heartbeat loop stopped")
			return
		}
	}
}

func (a *Agent) sendHeartbeat() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	names, err := a.runtime.ListContainers(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("list containers for heartbeat")
		names = nil
	}

	body := HeartbeatRequest{
		Hostname:        a.cfg.Hostname,
		Status:          types.StatusOnline,
		AgentVersion:    a.cfg.AgentVersion,
		ServicesRunning: names,
		Capabilities:    a.capabilities(),
		Metrics:         a.metricsSnapshot(len(names)),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.LeaderURL+"/heartbeat", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Node-Secret", a.cfg.NodeSecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("leader rejected heartbeat: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Agent) capabilities() types.Capabilities {
	return types.Capabilities{
		Docker:         true, // this agent always has a connected container runtime by construction
		GPU:            false,
		LeaderEligible: a.cfg.LeaderEligible,
		MemoryMB:       totalMemoryMB(),
		CPUCores:       numCPU(),
		DiskGB:         totalDiskGB(a.cfg.DataDir),
	}
}

func (a *Agent) metricsSnapshot(containerCount int) types.HeartbeatMetrics {
	return types.HeartbeatMetrics{
		Timestamp:      time.Now().UTC(),
		CPUPercent:     cpuPercent(),
		MemoryPercent:  memoryPercent(),
		DiskPercent:    diskPercent(a.cfg.DataDir),
		ContainerCount: containerCount,
	}
}
