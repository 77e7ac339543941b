package storage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushadow-io/fleetd/pkg/fleeterr"
	"github.com/ushadow-io/fleetd/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNodeStore_UpsertLeader_SingleLeaderInvariant(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Nodes().UpsertLeader("leader-a", "100.64.0.1")
	require.NoError(t, err)

	_, err = s.Nodes().UpsertLeader("leader-b", "100.64.0.2")
	require.NoError(t, err)

	workers, err := s.Nodes().List(NodeFilter{Role: types.RoleLeader})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "leader-b", workers[0].Hostname)

	_, err = s.Nodes().Get("leader-a")
	assert.Error(t, err)
	assert.Equal(t, fleeterr.NotFound, fleeterr.KindOf(err))
}

func TestNodeStore_InsertWorker_DuplicateHostnameRejected(t *testing.T) {
	s := newTestStore(t)

	w := &types.Worker{Hostname: "box-1", Role: types.RoleWorker, Status: types.StatusOnline}
	require.NoError(t, s.Nodes().InsertWorker(w))

	err := s.Nodes().InsertWorker(&types.Worker{Hostname: "box-1", Role: types.RoleWorker})
	require.Error(t, err)
	assert.Equal(t, fleeterr.AlreadyRegistered, fleeterr.KindOf(err))
}

func TestNodeStore_UpdateWorker_ReadModifyWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Nodes().InsertWorker(&types.Worker{Hostname: "box-1", Status: types.StatusConnecting}))

	err := s.Nodes().UpdateWorker("box-1", func(w *types.Worker) {
		w.Status = types.StatusOnline
		w.LastSeen = time.Now().UTC()
	})
	require.NoError(t, err)

	got, err := s.Nodes().Get("box-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOnline, got.Status)
}

func TestNodeStore_Delete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Nodes().InsertWorker(&types.Worker{Hostname: "box-1"}))

	existed, err := s.Nodes().Delete("box-1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Nodes().Delete("box-1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestTokenStore_Consume_AtomicUnderConcurrency(t *testing.T) {
	s := newTestStore(t)

	token := &types.JoinToken{
		Token:     "tok-xyz",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
		MaxUses:   10,
		IsActive:  true,
	}
	require.NoError(t, s.Tokens().Create(token))

	const attempts = 64
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Tokens().Consume("tok-xyz"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 10, count, "exactly MaxUses redemptions should succeed regardless of concurrency")

	final, err := s.Tokens().Validate("tok-xyz")
	require.NoError(t, err)
	assert.Equal(t, 10, final.Uses)
}

func TestTokenStore_Consume_RejectsExpiredAndRevoked(t *testing.T) {
	s := newTestStore(t)

	expired := &types.JoinToken{Token: "expired", ExpiresAt: time.Now().UTC().Add(-time.Minute), MaxUses: 5, IsActive: true}
	require.NoError(t, s.Tokens().Create(expired))
	_, err := s.Tokens().Consume("expired")
	require.Error(t, err)
	assert.Equal(t, fleeterr.TokenExpired, fleeterr.KindOf(err))

	revoked := &types.JoinToken{Token: "revoked", ExpiresAt: time.Now().UTC().Add(time.Hour), MaxUses: 5, IsActive: true}
	require.NoError(t, s.Tokens().Create(revoked))
	require.NoError(t, s.Tokens().Revoke("revoked"))
	_, err = s.Tokens().Consume("revoked")
	require.Error(t, err)
	assert.Equal(t, fleeterr.TokenInvalid, fleeterr.KindOf(err))
}

func TestDeploymentStore_SlotUniqueness(t *testing.T) {
	s := newTestStore(t)

	first := &types.Deployment{ID: uuid.NewString(), ServiceID: "svc-a", WorkerHostname: "box-1", Status: types.DeploymentRunning}
	require.NoError(t, s.Deployments().Upsert(first))

	second := &types.Deployment{ID: uuid.NewString(), ServiceID: "svc-a", WorkerHostname: "box-1", Status: types.DeploymentDeploying}
	err := s.Deployments().Upsert(second)
	require.Error(t, err)
	assert.Equal(t, fleeterr.Conflict, fleeterr.KindOf(err))

	// Different worker, same service: allowed.
	third := &types.Deployment{ID: uuid.NewString(), ServiceID: "svc-a", WorkerHostname: "box-2", Status: types.DeploymentRunning}
	assert.NoError(t, s.Deployments().Upsert(third))

	// Freeing the slot lets a new deployment claim it.
	first.Status = types.DeploymentStopped
	require.NoError(t, s.Deployments().Upsert(first))
	assert.NoError(t, s.Deployments().Upsert(second))

	slot, err := s.Deployments().FindActiveSlot("svc-a", "box-1")
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Equal(t, second.ID, slot.ID)
}

func TestDeploymentStore_ListByWorker(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Deployments().Upsert(&types.Deployment{ID: uuid.NewString(), ServiceID: "svc-a", WorkerHostname: "box-1", Status: types.DeploymentRunning}))
	require.NoError(t, s.Deployments().Upsert(&types.Deployment{ID: uuid.NewString(), ServiceID: "svc-b", WorkerHostname: "box-1", Status: types.DeploymentRunning}))
	require.NoError(t, s.Deployments().Upsert(&types.Deployment{ID: uuid.NewString(), ServiceID: "svc-c", WorkerHostname: "box-2", Status: types.DeploymentRunning}))

	deployments, err := s.Deployments().ListByWorker("box-1")
	require.NoError(t, err)
	assert.Len(t, deployments, 2)
}

func TestServiceStore_DeleteBlockedByLiveDeployment(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Services().Create(&types.ServiceDefinition{ServiceID: "svc-a", Name: "web"}))
	require.NoError(t, s.Deployments().Upsert(&types.Deployment{ID: uuid.NewString(), ServiceID: "svc-a", WorkerHostname: "box-1", Status: types.DeploymentRunning}))

	err := s.Services().Delete("svc-a")
	require.Error(t, err)
	assert.Equal(t, fleeterr.Conflict, fleeterr.KindOf(err))
}

func TestBlobStore_PutGetDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Blobs().Put("worker-1-secret", []byte("sealed-bytes")))

	got, err := s.Blobs().Get("worker-1-secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-bytes"), got)

	require.NoError(t, s.Blobs().Delete("worker-1-secret"))
	_, err = s.Blobs().Get("worker-1-secret")
	require.Error(t, err)
	assert.Equal(t, fleeterr.NotFound, fleeterr.KindOf(err))
}

func TestNewBoltStore_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Nodes().List(NodeFilter{})
	assert.NoError(t, err)
}
