package storage

import "github.com/ushadow-io/fleetd/pkg/types"

// NodeFilter narrows List results by status and/or role; zero value means
// no filtering on that field.
type NodeFilter struct {
	Status types.Status
	Role   types.Role
}

// NodeStore is the durable record of every registered worker.
type NodeStore interface {
	// UpsertLeader idempotently self-registers the leader at startup,
	// deleting any other record with role=leader and a different hostname.
	UpsertLeader(hostname, vpnAddress string) (*types.Worker, error)
	InsertWorker(w *types.Worker) error
	UpdateWorker(hostname string, mutate func(*types.Worker)) error
	List(filter NodeFilter) ([]*types.Worker, error)
	Get(hostname string) (*types.Worker, error)
	Delete(hostname string) (bool, error)
}

// TokenStore is the join-token lifecycle store.
type TokenStore interface {
	Create(t *types.JoinToken) error
	// Validate returns the token without mutating it, or a fleeterr.Error
	// of kind token_invalid/token_expired/token_exhausted.
	Validate(token string) (*types.JoinToken, error)
	// Consume atomically validates and increments Uses in one transaction.
	Consume(token string) (*types.JoinToken, error)
	Revoke(token string) error
	List() ([]*types.JoinToken, error)
}

// ServiceStore is the ServiceDefinition catalog.
type ServiceStore interface {
	Create(s *types.ServiceDefinition) error
	Get(serviceID string) (*types.ServiceDefinition, error)
	List() ([]*types.ServiceDefinition, error)
	Update(s *types.ServiceDefinition) error
	Delete(serviceID string) error
}

// DeploymentStore is the Deployment instance store, enforcing the
// (service_id, worker_hostname) deploying/running uniqueness invariant.
type DeploymentStore interface {
	// Upsert inserts or replaces a Deployment. If it transitions into
	// {deploying, running} and another deployment already occupies that
	// (service_id, worker_hostname) slot, it fails with fleeterr.Conflict.
	Upsert(d *types.Deployment) error
	Get(id string) (*types.Deployment, error)
	List() ([]*types.Deployment, error)
	ListByWorker(hostname string) ([]*types.Deployment, error)
	FindActiveSlot(serviceID, workerHostname string) (*types.Deployment, error)
	Delete(id string) error
}

// BlobStore holds encrypted credential blobs on disk, keyed by blob id,
// file extension ".enc", directory mode 0700 and file mode 0600.
type BlobStore interface {
	Put(blobID string, encrypted []byte) error
	Get(blobID string) ([]byte, error)
	Delete(blobID string) error
}

// Store aggregates every persistence concern behind one handle so the
// composition root only opens one bbolt file.
type Store interface {
	Nodes() NodeStore
	Tokens() TokenStore
	Services() ServiceStore
	Deployments() DeploymentStore
	Blobs() BlobStore
	Close() error
}
