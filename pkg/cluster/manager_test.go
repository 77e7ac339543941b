package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushadow-io/fleetd/pkg/agent"
	"github.com/ushadow-io/fleetd/pkg/discover"
	"github.com/ushadow-io/fleetd/pkg/fleeterr"
	"github.com/ushadow-io/fleetd/pkg/storage"
	"github.com/ushadow-io/fleetd/pkg/types"
)

type fakeAgentClient struct {
	upgrades  []string
	fail      bool
	reachable map[string]bool
}

func (f *fakeAgentClient) Upgrade(vpnAddress, secret, image string) error {
	if f.fail {
		return assertErr
	}
	f.upgrades = append(f.upgrades, vpnAddress+"|"+secret+"|"+image)
	return nil
}

func (f *fakeAgentClient) Health(vpnAddress string) (*agent.HealthResponse, error) {
	if f.reachable[vpnAddress] {
		return &agent.HealthResponse{Status: "healthy"}, nil
	}
	return nil, fleeterr.New(fleeterr.Unreachable, "no agent at address")
}

func (f *fakeAgentClient) Info(vpnAddress string) (*agent.InfoResponse, error) {
	return &agent.InfoResponse{}, nil
}

type fakeLister struct {
	peers []discover.Peer
}

func (f *fakeLister) ListPeers(ctx context.Context) ([]discover.Peer, error) {
	return f.peers, nil
}

var assertErr = fleeterr.New(fleeterr.Unreachable, "simulated failure")

func newTestManager(t *testing.T) (*Manager, *fakeAgentClient) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agents := &fakeAgentClient{}
	m, err := New(Config{
		Hostname:     "leader-1",
		VPNAddress:   "100.64.0.1",
		MasterSecret: "test-secret",
		StaleAfter:   time.Minute,
	}, store, agents)
	require.NoError(t, err)
	return m, agents
}

func TestNew_SelfRegistersAsLeader(t *testing.T) {
	m, _ := newTestManager(t)
	w, err := m.Get("leader-1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleLeader, w.Role)
}

func TestIssueJoinToken_AndRegisterWorker(t *testing.T) {
	m, _ := newTestManager(t)

	token, err := m.IssueJoinToken("operator", types.RoleWorker, 1, time.Hour)
	require.NoError(t, err)

	worker, secret, err := m.Register(token.Token, RegisterInput{
		Hostname:   "box-1",
		VPNAddress: "100.64.0.5",
		Platform:   types.PlatformLinux,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Equal(t, types.RoleWorker, worker.Role)

	// Token is now exhausted.
	_, _, err = m.Register(token.Token, RegisterInput{Hostname: "box-2"})
	require.Error(t, err)
	assert.Equal(t, fleeterr.TokenExhausted, fleeterr.KindOf(err))
}

func TestRegister_ReJoinDoesNotReturnSecretAgain(t *testing.T) {
	m, _ := newTestManager(t)
	token, err := m.IssueJoinToken("operator", types.RoleWorker, 2, time.Hour)
	require.NoError(t, err)

	_, secret1, err := m.Register(token.Token, RegisterInput{Hostname: "box-1", VPNAddress: "100.64.0.5"})
	require.NoError(t, err)
	assert.NotEmpty(t, secret1)

	_, secret2, err := m.Register(token.Token, RegisterInput{Hostname: "box-1", VPNAddress: "100.64.0.6"})
	require.NoError(t, err)
	assert.Empty(t, secret2)

	w, err := m.Get("box-1")
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.6", w.VPNAddress)
}

func TestAuthenticate(t *testing.T) {
	m, _ := newTestManager(t)
	token, err := m.IssueJoinToken("operator", types.RoleWorker, 1, time.Hour)
	require.NoError(t, err)
	_, secret, err := m.Register(token.Token, RegisterInput{Hostname: "box-1"})
	require.NoError(t, err)

	assert.NoError(t, m.Authenticate("box-1", secret))

	err = m.Authenticate("box-1", "wrong-secret")
	require.Error(t, err)
	assert.Equal(t, fleeterr.Unauthorized, fleeterr.KindOf(err))
}

func TestProcessHeartbeat(t *testing.T) {
	m, _ := newTestManager(t)
	token, err := m.IssueJoinToken("operator", types.RoleWorker, 1, time.Hour)
	require.NoError(t, err)
	_, _, err = m.Register(token.Token, RegisterInput{Hostname: "box-1"})
	require.NoError(t, err)

	err = m.ProcessHeartbeat(Heartbeat{
		Hostname:        "box-1",
		Status:          types.StatusOnline,
		ServicesRunning: []string{"svc-a"},
	})
	require.NoError(t, err)

	w, err := m.Get("box-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-a"}, w.ServicesRunning)
}

func TestUpgradeWorker_DecryptsSecretAndCallsAgent(t *testing.T) {
	m, agents := newTestManager(t)
	token, err := m.IssueJoinToken("operator", types.RoleWorker, 1, time.Hour)
	require.NoError(t, err)
	_, secret, err := m.Register(token.Token, RegisterInput{Hostname: "box-1", VPNAddress: "100.64.0.9"})
	require.NoError(t, err)

	require.NoError(t, m.UpgradeWorker("box-1", "ghcr.io/example/agent:latest"))
	require.Len(t, agents.upgrades, 1)
	assert.Contains(t, agents.upgrades[0], "100.64.0.9")
	assert.Contains(t, agents.upgrades[0], secret)
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t)
	token, err := m.IssueJoinToken("operator", types.RoleWorker, 1, time.Hour)
	require.NoError(t, err)
	_, _, err = m.Register(token.Token, RegisterInput{Hostname: "box-1"})
	require.NoError(t, err)

	existed, err := m.Remove("box-1")
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestRemove_RejectsLeaderSelf(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Remove("leader-1")
	require.Error(t, err)
	assert.Equal(t, fleeterr.PreconditionFailed, fleeterr.KindOf(err))
}

func TestClaim_InsertsWorkerAndReturnsSecret(t *testing.T) {
	m, _ := newTestManager(t)

	w, secret, err := m.Claim("box-9", "100.64.0.50")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Equal(t, types.RoleWorker, w.Role)

	require.NoError(t, m.Authenticate("box-9", secret))
}

func TestClaim_RejectsAlreadyRegistered(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, err := m.Claim("box-9", "100.64.0.50")
	require.NoError(t, err)

	_, _, err = m.Claim("box-9", "100.64.0.51")
	require.Error(t, err)
	assert.Equal(t, fleeterr.AlreadyRegistered, fleeterr.KindOf(err))
}

func TestDiscoverPeers_CategorizesRegisteredAvailableAndUnknown(t *testing.T) {
	m, agents := newTestManager(t)
	token, err := m.IssueJoinToken("operator", types.RoleWorker, 1, time.Hour)
	require.NoError(t, err)
	_, _, err = m.Register(token.Token, RegisterInput{Hostname: "box-1", VPNAddress: "100.64.0.5"})
	require.NoError(t, err)

	agents.reachable = map[string]bool{"100.64.0.7": true}
	m.peers = &fakeLister{peers: []discover.Peer{
		{Hostname: "leader-1", VPNAddress: "100.64.0.1"}, // self, skipped
		{Hostname: "box-1", VPNAddress: "100.64.0.5"},    // registered
		{Hostname: "box-2", VPNAddress: "100.64.0.7"},    // available
		{Hostname: "box-3", VPNAddress: "100.64.0.8"},    // unknown
	}}

	report, err := m.DiscoverPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts["registered"])
	assert.Equal(t, 1, report.Counts["available"])
	assert.Equal(t, 1, report.Counts["unknown"])
}
