package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ushadow-io/fleetd/pkg/fleeterr"
	"github.com/ushadow-io/fleetd/pkg/types"
)

var (
	bucketWorkers         = []byte("workers")
	bucketJoinTokens      = []byte("join_tokens")
	bucketServices        = []byte("service_definitions")
	bucketDeployments     = []byte("deployments")
	bucketDeploymentSlots = []byte("deployment_slots")
)

// BoltStore implements Store over a single bbolt database file.
type BoltStore struct {
	db       *bolt.DB
	nodes    *boltNodeStore
	tokens   *boltTokenStore
	services *boltServiceStore
	deploys  *boltDeploymentStore
	blobs    *fsBlobStore
}

// NewBoltStore opens (creating if necessary) the database at
// filepath.Join(dataDir, "fleet.db") and the sibling credential-blob
// directory, and prepares every bucket.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "create data dir", err)
	}

	dbPath := filepath.Join(dataDir, "fleet.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "open bbolt database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkers, bucketJoinTokens, bucketServices, bucketDeployments, bucketDeploymentSlots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fleeterr.Wrap(fleeterr.Internal, "initialize buckets", err)
	}

	blobDir := filepath.Join(dataDir, "credentials")
	blobs, err := newFSBlobStore(blobDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:       db,
		nodes:    &boltNodeStore{db: db},
		tokens:   &boltTokenStore{db: db},
		services: &boltServiceStore{db: db},
		deploys:  &boltDeploymentStore{db: db},
		blobs:    blobs,
	}, nil
}

func (s *BoltStore) Nodes() NodeStore             { return s.nodes }
func (s *BoltStore) Tokens() TokenStore           { return s.tokens }
func (s *BoltStore) Services() ServiceStore       { return s.services }
func (s *BoltStore) Deployments() DeploymentStore { return s.deploys }
func (s *BoltStore) Blobs() BlobStore             { return s.blobs }

func (s *BoltStore) Close() error { return s.db.Close() }

// --- NodeStore -------------------------------------------------------------

type boltNodeStore struct{ db *bolt.DB }

func (s *boltNodeStore) UpsertLeader(hostname, vpnAddress string) (*types.Worker, error) {
	var leader types.Worker
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)

		// Delete any other record claiming role=leader for a different host.
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Role == types.RoleLeader && w.Hostname != hostname {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		existing := b.Get([]byte(hostname))
		if existing != nil {
			if err := json.Unmarshal(existing, &leader); err != nil {
				return err
			}
		} else {
			leader = types.Worker{
				ID:           uuid.NewString(),
				Hostname:     hostname,
				RegisteredAt: now,
			}
		}
		leader.VPNAddress = vpnAddress
		leader.Role = types.RoleLeader
		leader.Status = types.StatusOnline
		leader.LastSeen = now
		leader.Capabilities.LeaderEligible = true

		data, err := json.Marshal(leader)
		if err != nil {
			return err
		}
		return b.Put([]byte(hostname), data)
	})
	return &leader, err
}

func (s *boltNodeStore) InsertWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b.Get([]byte(w.Hostname)) != nil {
			return fleeterr.New(fleeterr.AlreadyRegistered, "hostname already registered: "+w.Hostname)
		}
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.Hostname), data)
	})
}

func (s *boltNodeStore) UpdateWorker(hostname string, mutate func(*types.Worker)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(hostname))
		if data == nil {
			return fleeterr.New(fleeterr.NotFound, "worker not found: "+hostname)
		}
		var w types.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		mutate(&w)
		out, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(hostname), out)
	})
}

func (s *boltNodeStore) List(filter NodeFilter) ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if filter.Status != "" && w.Status != filter.Status {
				return nil
			}
			if filter.Role != "" && w.Role != filter.Role {
				return nil
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *boltNodeStore) Get(hostname string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(hostname))
		if data == nil {
			return fleeterr.New(fleeterr.NotFound, "worker not found: "+hostname)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *boltNodeStore) Delete(hostname string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		existed = b.Get([]byte(hostname)) != nil
		return b.Delete([]byte(hostname))
	})
	return existed, err
}

// --- TokenStore --------------------------------------------------------------

type boltTokenStore struct{ db *bolt.DB }

func (s *boltTokenStore) Create(t *types.JoinToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinTokens)
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.Token), data)
	})
}

// checkValid inspects t without mutating it.
func checkValid(t *types.JoinToken) error {
	if !t.IsActive {
		return fleeterr.New(fleeterr.TokenInvalid, "token revoked")
	}
	if time.Now().UTC().After(t.ExpiresAt) {
		return fleeterr.New(fleeterr.TokenExpired, "token expired")
	}
	if t.Uses >= t.MaxUses {
		return fleeterr.New(fleeterr.TokenExhausted, "token exhausted")
	}
	return nil
}

func (s *boltTokenStore) Validate(token string) (*types.JoinToken, error) {
	var t types.JoinToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJoinTokens).Get([]byte(token))
		if data == nil {
			return fleeterr.New(fleeterr.TokenInvalid, "unknown token")
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		return checkValid(&t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Consume performs validate-then-increment inside a single bbolt
// transaction, closing the TOCTOU window the Python original left open
// between its validate_token and its separate $inc call.
func (s *boltTokenStore) Consume(token string) (*types.JoinToken, error) {
	var t types.JoinToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinTokens)
		data := b.Get([]byte(token))
		if data == nil {
			return fleeterr.New(fleeterr.TokenInvalid, "unknown token")
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if err := checkValid(&t); err != nil {
			return err
		}
		t.Uses++
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(token), out)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *boltTokenStore) Revoke(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinTokens)
		data := b.Get([]byte(token))
		if data == nil {
			return fleeterr.New(fleeterr.NotFound, "token not found")
		}
		var t types.JoinToken
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		t.IsActive = false
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(token), out)
	})
}

func (s *boltTokenStore) List() ([]*types.JoinToken, error) {
	var tokens []*types.JoinToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJoinTokens).ForEach(func(k, v []byte) error {
			var t types.JoinToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tokens = append(tokens, &t)
			return nil
		})
	})
	return tokens, err
}

// --- ServiceStore ------------------------------------------------------------

type boltServiceStore struct{ db *bolt.DB }

func (s *boltServiceStore) Create(svc *types.ServiceDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		if b.Get([]byte(svc.ServiceID)) != nil {
			return fleeterr.New(fleeterr.AlreadyRegistered, "service already exists: "+svc.ServiceID)
		}
		data, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return b.Put([]byte(svc.ServiceID), data)
	})
}

func (s *boltServiceStore) Get(serviceID string) (*types.ServiceDefinition, error) {
	var svc types.ServiceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(serviceID))
		if data == nil {
			return fleeterr.New(fleeterr.NotFound, "service not found: "+serviceID)
		}
		return json.Unmarshal(data, &svc)
	})
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *boltServiceStore) List() ([]*types.ServiceDefinition, error) {
	var out []*types.ServiceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var svc types.ServiceDefinition
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			out = append(out, &svc)
			return nil
		})
	})
	return out, err
}

func (s *boltServiceStore) Update(svc *types.ServiceDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return b.Put([]byte(svc.ServiceID), data)
	})
}

func (s *boltServiceStore) Delete(serviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		depB := tx.Bucket(bucketDeployments)
		var inUse bool
		_ = depB.ForEach(func(k, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.ServiceID == serviceID && d.InDeploySlot() {
				inUse = true
			}
			return nil
		})
		if inUse {
			return fleeterr.New(fleeterr.Conflict, "service has live deployments: "+serviceID)
		}
		return tx.Bucket(bucketServices).Delete([]byte(serviceID))
	})
}

// --- DeploymentStore ---------------------------------------------------------

type boltDeploymentStore struct{ db *bolt.DB }

func slotKey(serviceID, workerHostname string) []byte {
	return []byte(serviceID + "\x00" + workerHostname)
}

func (s *boltDeploymentStore) Upsert(d *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		depB := tx.Bucket(bucketDeployments)
		slotB := tx.Bucket(bucketDeploymentSlots)
		key := slotKey(d.ServiceID, d.WorkerHostname)

		if d.InDeploySlot() {
			if holder := slotB.Get(key); holder != nil && string(holder) != d.ID {
				var existing types.Deployment
				existingData := depB.Get(holder)
				if existingData != nil {
					if err := json.Unmarshal(existingData, &existing); err == nil && existing.InDeploySlot() {
						return fleeterr.New(fleeterr.Conflict, "deployment already active for this service/worker pair")
					}
				}
			}
			if err := slotB.Put(key, []byte(d.ID)); err != nil {
				return err
			}
		} else {
			if holder := slotB.Get(key); holder != nil && string(holder) == d.ID {
				if err := slotB.Delete(key); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return depB.Put([]byte(d.ID), data)
	})
}

func (s *boltDeploymentStore) Get(id string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(id))
		if data == nil {
			return fleeterr.New(fleeterr.NotFound, "deployment not found: "+id)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *boltDeploymentStore) List() ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, &d)
			return nil
		})
	})
	return out, err
}

func (s *boltDeploymentStore) ListByWorker(hostname string) ([]*types.Deployment, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*types.Deployment
	for _, d := range all {
		if d.WorkerHostname == hostname {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *boltDeploymentStore) FindActiveSlot(serviceID, workerHostname string) (*types.Deployment, error) {
	var d *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		holder := tx.Bucket(bucketDeploymentSlots).Get(slotKey(serviceID, workerHostname))
		if holder == nil {
			return nil
		}
		data := tx.Bucket(bucketDeployments).Get(holder)
		if data == nil {
			return nil
		}
		var found types.Deployment
		if err := json.Unmarshal(data, &found); err != nil {
			return err
		}
		d = &found
		return nil
	})
	return d, err
}

func (s *boltDeploymentStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		depB := tx.Bucket(bucketDeployments)
		data := depB.Get([]byte(id))
		if data == nil {
			return fleeterr.New(fleeterr.NotFound, "deployment not found: "+id)
		}
		var d types.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		key := slotKey(d.ServiceID, d.WorkerHostname)
		if holder := tx.Bucket(bucketDeploymentSlots).Get(key); holder != nil && string(holder) == id {
			if err := tx.Bucket(bucketDeploymentSlots).Delete(key); err != nil {
				return err
			}
		}
		return depB.Delete([]byte(id))
	})
}

// --- BlobStore (filesystem-backed encrypted credential blobs) ---------------

type fsBlobStore struct{ dir string }

func newFSBlobStore(dir string) (*fsBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "create credential blob dir", err)
	}
	return &fsBlobStore{dir: dir}, nil
}

func (f *fsBlobStore) path(blobID string) string {
	return filepath.Join(f.dir, blobID+".enc")
}

func (f *fsBlobStore) Put(blobID string, encrypted []byte) error {
	if err := os.WriteFile(f.path(blobID), encrypted, 0o600); err != nil {
		return fleeterr.Wrap(fleeterr.Internal, "write credential blob", err)
	}
	return nil
}

func (f *fsBlobStore) Get(blobID string) ([]byte, error) {
	data, err := os.ReadFile(f.path(blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fleeterr.New(fleeterr.NotFound, "blob not found: "+blobID)
		}
		return nil, fleeterr.Wrap(fleeterr.Internal, "read credential blob", err)
	}
	return data, nil
}

func (f *fsBlobStore) Delete(blobID string) error {
	if err := os.Remove(f.path(blobID)); err != nil && !os.IsNotExist(err) {
		return fleeterr.Wrap(fleeterr.Internal, "delete credential blob", err)
	}
	return nil
}
