package deployment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushadow-io/fleetd/pkg/agent"
	"github.com/ushadow-io/fleetd/pkg/crypto"
	"github.com/ushadow-io/fleetd/pkg/fleeterr"
	"github.com/ushadow-io/fleetd/pkg/storage"
	"github.com/ushadow-io/fleetd/pkg/types"
)

type fakeRelay struct {
	deployResp *agent.DeployResponse
	deployErr  error
	stopErr    error
	restartErr error
	removeErr  error
	logsText   *string
	logsErr    error

	lastDeploy  agent.DeployRequest
	stopCalls   []string
	removeCalls []string
}

func (f *fakeRelay) Deploy(vpnAddress, secret string, req agent.DeployRequest) (*agent.DeployResponse, error) {
	f.lastDeploy = req
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	if f.deployResp != nil {
		return f.deployResp, nil
	}
	return &agent.DeployResponse{Success: true, ContainerID: "container-123"}, nil
}

func (f *fakeRelay) Stop(vpnAddress, secret, containerName string) error {
	f.stopCalls = append(f.stopCalls, containerName)
	return f.stopErr
}

func (f *fakeRelay) Restart(vpnAddress, secret, containerName string) error {
	return f.restartErr
}

func (f *fakeRelay) Remove(vpnAddress, secret, containerName string) error {
	f.removeCalls = append(f.removeCalls, containerName)
	return f.removeErr
}

func (f *fakeRelay) Logs(vpnAddress, secret, containerName string, tail int) (*string, error) {
	return f.logsText, f.logsErr
}

func newTestEngine(t *testing.T, agents AgentRelay) (*Engine, storage.Store, *crypto.Vault) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vault := crypto.New("test-master-secret")
	return New(store, vault, agents, Config{}), store, vault
}

func seedWorker(t *testing.T, store storage.Store, vault *crypto.Vault, hostname string, online bool) {
	t.Helper()
	encrypted, err := vault.Seal([]byte("worker-secret"))
	require.NoError(t, err)

	status := types.StatusOnline
	if !online {
		status = types.StatusOffline
	}

	require.NoError(t, store.Nodes().InsertWorker(&types.Worker{
		ID:              hostname,
		Hostname:        hostname,
		VPNAddress:      "100.64.0.5",
		Role:            types.RoleWorker,
		Status:          status,
		EncryptedSecret: encrypted,
		RegisteredAt:    time.Now().UTC(),
		LastSeen:        time.Now().UTC(),
	}))
}

func seedService(t *testing.T, store storage.Store, serviceID string) {
	t.Helper()
	require.NoError(t, store.Services().Create(&types.ServiceDefinition{
		ServiceID: serviceID,
		Name:      "web",
		Image:     "nginx:latest",
		Ports:     map[string]int{"80/tcp": 8080},
	}))
}

func TestDeploy_Success(t *testing.T) {
	relay := &fakeRelay{}
	e, store, vault := newTestEngine(t, relay)
	seedWorker(t, store, vault, "worker-a", true)
	seedService(t, store, "svc-1")

	dep, err := e.Deploy("svc-1", "worker-a")
	require.NoError(t, err)

	assert.Equal(t, types.DeploymentRunning, dep.Status)
	assert.Equal(t, "container-123", dep.ContainerID)
	assert.True(t, len(dep.ContainerName) > len("svc-1-"))
	assert.Contains(t, dep.ContainerName, "svc-1-")
	assert.Equal(t, "nginx:latest", relay.lastDeploy.Image)
	assert.Equal(t, map[string]int{"80/tcp": 8080}, relay.lastDeploy.Ports)
}

func TestDeploy_RejectsWorkerNotOnline(t *testing.T) {
	relay := &fakeRelay{}
	e, store, vault := newTestEngine(t, relay)
	seedWorker(t, store, vault, "worker-a", false)
	seedService(t, store, "svc-1")

	_, err := e.Deploy("svc-1", "worker-a")
	require.Error(t, err)
	assert.Equal(t, fleeterr.PreconditionFailed, fleeterr.KindOf(err))
}

func TestDeploy_RejectsConflictingSlot(t *testing.T) {
	relay := &fakeRelay{}
	e, store, vault := newTestEngine(t, relay)
	seedWorker(t, store, vault, "worker-a", true)
	seedService(t, store, "svc-1")

	_, err := e.Deploy("svc-1", "worker-a")
	require.NoError(t, err)

	_, err = e.Deploy("svc-1", "worker-a")
	require.Error(t, err)
	assert.Equal(t, fleeterr.Conflict, fleeterr.KindOf(err))
}

func TestDeploy_MarksFailedOnRelayError(t *testing.T) {
	relay := &fakeRelay{deployErr: fleeterr.New(fleeterr.Unreachable, "no route to host")}
	e, store, vault := newTestEngine(t, relay)
	seedWorker(t, store, vault, "worker-a", true)
	seedService(t, store, "svc-1")

	dep, err := e.Deploy("svc-1", "worker-a")
	require.Error(t, err)
	require.NotNil(t, dep)
	assert.Equal(t, types.DeploymentFailed, dep.Status)
	assert.NotEmpty(t, dep.Error)

	persisted, getErr := store.Deployments().Get(dep.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.DeploymentFailed, persisted.Status)
}

func TestDeploy_MarksFailedWhenAgentReportsFailure(t *testing.T) {
	relay := &fakeRelay{deployResp: &agent.DeployResponse{Success: false, Error: "image_not_found"}}
	e, store, vault := newTestEngine(t, relay)
	seedWorker(t, store, vault, "worker-a", true)
	seedService(t, store, "svc-1")

	dep, err := e.Deploy("svc-1", "worker-a")
	require.Error(t, err)
	assert.Equal(t, types.DeploymentFailed, dep.Status)
	assert.Equal(t, "image_not_found", dep.Error)
}

func TestStop_UpdatesStatusAndCallsRelay(t *testing.T) {
	relay := &fakeRelay{}
	e, store, vault := newTestEngine(t, relay)
	seedWorker(t, store, vault, "worker-a", true)
	seedService(t, store, "svc-1")
	dep, err := e.Deploy("svc-1", "worker-a")
	require.NoError(t, err)

	require.NoError(t, e.Stop(dep.ID))

	persisted, err := store.Deployments().Get(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStopped, persisted.Status)
	assert.NotNil(t, persisted.StoppedAt)
	assert.Equal(t, []string{dep.ContainerName}, relay.stopCalls)
}

func TestRemove_DeletesRecordEvenWhenRelayFails(t *testing.T) {
	relay := &fakeRelay{removeErr: fleeterr.New(fleeterr.Unreachable, "agent down")}
	e, store, vault := newTestEngine(t, relay)
	seedWorker(t, store, vault, "worker-a", true)
	seedService(t, store, "svc-1")
	dep, err := e.Deploy("svc-1", "worker-a")
	require.NoError(t, err)

	require.NoError(t, e.Remove(dep.ID))

	_, err = store.Deployments().Get(dep.ID)
	assert.Error(t, err)
	assert.Equal(t, []string{dep.ContainerName}, relay.removeCalls)
}

func TestLogs_ReturnsRelayResult(t *testing.T) {
	text := "log line"
	relay := &fakeRelay{logsText: &text}
	e, store, vault := newTestEngine(t, relay)
	seedWorker(t, store, vault, "worker-a", true)
	seedService(t, store, "svc-1")
	dep, err := e.Deploy("svc-1", "worker-a")
	require.NoError(t, err)

	got, err := e.Logs(dep.ID, 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "log line", *got)
}

func TestNewDeploymentID_PrefixedByServiceID(t *testing.T) {
	id := newDeploymentID("svc-42")
	assert.Contains(t, id, "svc-42-")
	assert.Greater(t, len(id), len("svc-42-"))
}
