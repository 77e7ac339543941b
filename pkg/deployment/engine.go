// Package deployment implements the deployment state machine: placing a
// ServiceDefinition onto a worker, tracking it through
// pending/deploying/running/stopped/failed/removing, and relaying the
// stop/restart/remove/logs commands that drive those transitions.
package deployment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ushadow-io/fleetd/pkg/agent"
	"github.com/ushadow-io/fleetd/pkg/crypto"
	"github.com/ushadow-io/fleetd/pkg/fleeterr"
	"github.com/ushadow-io/fleetd/pkg/health"
	"github.com/ushadow-io/fleetd/pkg/log"
	"github.com/ushadow-io/fleetd/pkg/metrics"
	"github.com/ushadow-io/fleetd/pkg/storage"
	"github.com/ushadow-io/fleetd/pkg/types"
)

// AgentRelay is the leader's view of the command-relay surface a worker
// agent exposes. Implemented by pkg/client.
type AgentRelay interface {
	Deploy(vpnAddress, secret string, req agent.DeployRequest) (*agent.DeployResponse, error)
	Stop(vpnAddress, secret, containerName string) error
	Restart(vpnAddress, secret, containerName string) error
	Remove(vpnAddress, secret, containerName string) error
	Logs(vpnAddress, secret, containerName string, tail int) (*string, error)
}

// Config configures an Engine.
type Config struct {
	HealthCheckInterval time.Duration
}

// Engine owns the Deployment state machine and the worker relay calls
// that drive its transitions.
type Engine struct {
	store  storage.Store
	vault  *crypto.Vault
	agents AgentRelay
	logger zerolog.Logger

	healthInterval time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// New constructs an Engine.
func New(store storage.Store, vault *crypto.Vault, agents AgentRelay, cfg Config) *Engine {
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Engine{
		store:          store,
		vault:          vault,
		agents:         agents,
		logger:         log.WithComponent("deployment"),
		healthInterval: interval,
		stopCh:         make(chan struct{}),
	}
}

// newDeploymentID mints a deployment id of the form "<service_id>-<short
// id>", the same scheme used for the container name, so the two only
// ever diverge if code deliberately wants them to.
func newDeploymentID(serviceID string) string {
	return fmt.Sprintf("%s-%s", serviceID, uuid.NewString()[:8])
}

// Deploy places serviceID onto workerHostname, upserting a new
// Deployment and relaying the deploy command to the agent.
func (e *Engine) Deploy(serviceID, workerHostname string) (*types.Deployment, error) {
	svc, err := e.store.Services().Get(serviceID)
	if err != nil {
		return nil, err
	}
	w, err := e.store.Nodes().Get(workerHostname)
	if err != nil {
		return nil, err
	}
	if w.Status != types.StatusOnline {
		return nil, fleeterr.New(fleeterr.PreconditionFailed, "worker is not online")
	}
	if existing, err := e.store.Deployments().FindActiveSlot(serviceID, workerHostname); err == nil && existing != nil {
		return nil, fleeterr.New(fleeterr.Conflict, "a deployment is already deploying or running for this service and worker")
	}

	id := newDeploymentID(serviceID)
	dep := &types.Deployment{
		ID:             id,
		ServiceID:      serviceID,
		WorkerHostname: workerHostname,
		Status:         types.DeploymentDeploying,
		ContainerName:  id,
		DeployedConfig: *svc,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.Deployments().Upsert(dep); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DeploymentDuration)

	logger := e.logger.With().Str("deployment_id", id).Str("service_id", serviceID).Str("worker", workerHostname).Logger()
	logger.Info().Msg("deploying")

	secret, err := e.vault.Unseal(w.EncryptedSecret)
	if err != nil {
		return e.failDeploy(dep, fleeterr.Wrap(fleeterr.Internal, "decrypt worker secret", err))
	}

	resp, err := e.agents.Deploy(w.VPNAddress, string(secret), agent.DeployRequest{
		ContainerName: dep.ContainerName,
		Image:         svc.Image,
		Ports:         svc.Ports,
		Env:           svc.Env,
		Volumes:       svc.Volumes,
		Command:       svc.Command,
		RestartPolicy: svc.RestartPolicy,
	})
	if err != nil {
		return e.failDeploy(dep, err)
	}
	if !resp.Success {
		return e.failDeploy(dep, fleeterr.New(fleeterr.Internal, resp.Error))
	}

	now := time.Now().UTC()
	dep.Status = types.DeploymentRunning
	dep.ContainerID = resp.ContainerID
	dep.DeployedAt = &now
	if err := e.store.Deployments().Upsert(dep); err != nil {
		return nil, err
	}

	metrics.DeploymentAttemptsTotal.WithLabelValues("success").Inc()
	logger.Info().Str("container_id", dep.ContainerID).Msg("deployment running")
	return dep, nil
}

func (e *Engine) failDeploy(dep *types.Deployment, cause error) (*types.Deployment, error) {
	dep.Status = types.DeploymentFailed
	dep.Error = cause.Error()
	if err := e.store.Deployments().Upsert(dep); err != nil {
		e.logger.Error().Err(err).Str("deployment_id", dep.ID).Msg("persist failed deployment")
	}
	metrics.DeploymentAttemptsTotal.WithLabelValues("failed").Inc()
	e.logger.Error().Err(cause).Str("deployment_id", dep.ID).Msg("deployment failed")
	return dep, cause
}

// Stop relays a stop command and marks the deployment stopped.
func (e *Engine) Stop(deploymentID string) error {
	dep, secret, err := e.resolve(deploymentID)
	if err != nil {
		return err
	}
	if err := e.agents.Stop(dep.worker.VPNAddress, secret, dep.deployment.ContainerName); err != nil {
		return err
	}
	now := time.Now().UTC()
	dep.deployment.Status = types.DeploymentStopped
	dep.deployment.StoppedAt = &now
	return e.store.Deployments().Upsert(dep.deployment)
}

// Restart relays a restart command and marks the deployment running
// again.
func (e *Engine) Restart(deploymentID string) error {
	dep, secret, err := e.resolve(deploymentID)
	if err != nil {
		return err
	}
	if err := e.agents.Restart(dep.worker.VPNAddress, secret, dep.deployment.ContainerName); err != nil {
		return err
	}
	dep.deployment.Status = types.DeploymentRunning
	dep.deployment.StoppedAt = nil
	return e.store.Deployments().Upsert(dep.deployment)
}

// Remove issues a best-effort remove to the agent and deletes the
// deployment record regardless of whether the relay succeeded, since a
// worker that is unreachable should not block the record from being
// cleaned up on the leader's side.
func (e *Engine) Remove(deploymentID string) error {
	dep, secret, err := e.resolve(deploymentID)
	if err != nil {
		return err
	}
	if err := e.agents.Remove(dep.worker.VPNAddress, secret, dep.deployment.ContainerName); err != nil {
		e.logger.Warn().Err(err).Str("deployment_id", deploymentID).Msg("remove relay failed, deleting record anyway")
	}
	return e.store.Deployments().Delete(deploymentID)
}

// Logs relays a log fetch for the deployment's container, returning nil
// if the agent could not be reached.
func (e *Engine) Logs(deploymentID string, tail int) (*string, error) {
	dep, secret, err := e.resolve(deploymentID)
	if err != nil {
		return nil, err
	}
	return e.agents.Logs(dep.worker.VPNAddress, secret, dep.deployment.ContainerName, tail)
}

// Get returns a deployment by id.
func (e *Engine) Get(deploymentID string) (*types.Deployment, error) {
	return e.store.Deployments().Get(deploymentID)
}

// List returns every deployment.
func (e *Engine) List() ([]*types.Deployment, error) {
	return e.store.Deployments().List()
}

type resolved struct {
	deployment *types.Deployment
	worker     *types.Worker
}

// resolve loads a deployment and its worker, and unseals the worker's
// secret for relay authentication.
func (e *Engine) resolve(deploymentID string) (*resolved, string, error) {
	dep, err := e.store.Deployments().Get(deploymentID)
	if err != nil {
		return nil, "", err
	}
	w, err := e.store.Nodes().Get(dep.WorkerHostname)
	if err != nil {
		return nil, "", err
	}
	secret, err := e.vault.Unseal(w.EncryptedSecret)
	if err != nil {
		return nil, "", fleeterr.Wrap(fleeterr.Internal, "decrypt worker secret", err)
	}
	return &resolved{deployment: dep, worker: w}, string(secret), nil
}

// StartHealthChecks begins a background ticker that probes every
// running deployment's health_path/health_port, when set, and updates
// Healthy/LastHealthCheck.
func (e *Engine) StartHealthChecks() {
	e.wg.Add(1)
	go e.healthLoop()
}

// Shutdown stops the health-check loop and waits for it to exit.
func (e *Engine) Shutdown() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) healthLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.healthInterval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", e.healthInterval).Msg("deployment health checks started")

	for {
		select {
		case <-ticker.C:
			e.probeAll()
		case <-e.stopCh:
			e.logger.Info().Msg("deployment health checks stopped")
			return
		}
	}
}

func (e *Engine) probeAll() {
	deps, err := e.store.Deployments().List()
	if err != nil {
		e.logger.Error().Err(err).Msg("list deployments for health probe")
		return
	}

	for _, dep := range deps {
		if dep.Status != types.DeploymentRunning {
			continue
		}
		if dep.DeployedConfig.HealthPath == "" || dep.DeployedConfig.HealthPort == 0 {
			continue
		}
		e.probeOne(dep)
	}
}

func (e *Engine) probeOne(dep *types.Deployment) {
	w, err := e.store.Nodes().Get(dep.WorkerHostname)
	if err != nil || w.VPNAddress == "" {
		return
	}

	url := fmt.Sprintf("http://%s:%d%s", w.VPNAddress, dep.DeployedConfig.HealthPort, dep.DeployedConfig.HealthPath)
	checker := health.NewHTTPChecker(url).WithTimeout(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := checker.Check(ctx)
	now := result.CheckedAt
	healthy := result.Healthy

	dep.LastHealthCheck = &now
	dep.Healthy = &healthy
	if err := e.store.Deployments().Upsert(dep); err != nil {
		e.logger.Error().Err(err).Str("deployment_id", dep.ID).Msg("persist health check result")
	}
}
