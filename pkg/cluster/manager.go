// Package cluster implements ClusterManager: the leader's view of the
// fleet — join-token issuance, worker registration, heartbeat ingestion,
// peer discovery over the mesh VPN, and remote upgrade relay.
package cluster

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ushadow-io/fleetd/pkg/agent"
	"github.com/ushadow-io/fleetd/pkg/crypto"
	"github.com/ushadow-io/fleetd/pkg/discover"
	"github.com/ushadow-io/fleetd/pkg/fleeterr"
	"github.com/ushadow-io/fleetd/pkg/log"
	"github.com/ushadow-io/fleetd/pkg/metrics"
	"github.com/ushadow-io/fleetd/pkg/storage"
	"github.com/ushadow-io/fleetd/pkg/types"
)

// AgentClient is the leader's view of a worker agent's control API: the
// authenticated upgrade relay plus the two unauthenticated probes peer
// discovery uses to detect an agent before it is registered. Implemented
// by pkg/client.
type AgentClient interface {
	Upgrade(vpnAddress, secret, image string) error
	Health(vpnAddress string) (*agent.HealthResponse, error)
	Info(vpnAddress string) (*agent.InfoResponse, error)
}

// Config configures a Manager.
type Config struct {
	Hostname     string
	VPNAddress   string
	DataDir      string
	MasterSecret string
	StaleAfter   time.Duration
	// VPNCommand is the CLI binary peer discovery shells out to for
	// `status --json`. Empty defaults to "tailscale".
	VPNCommand string
}

// Manager is the leader's cluster coordination surface. There is exactly
// one leader and no consensus: the leader is whichever process holds the
// fleet database.
type Manager struct {
	hostname   string
	vpnAddress string
	staleAfter time.Duration

	store  storage.Store
	vault  *crypto.Vault
	agents AgentClient
	peers  discover.Lister
}

// New constructs a Manager and idempotently self-registers this process
// as the cluster's leader.
func New(cfg Config, store storage.Store, agents AgentClient) (*Manager, error) {
	vault := crypto.New(cfg.MasterSecret)

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}

	m := &Manager{
		hostname:   cfg.Hostname,
		vpnAddress: cfg.VPNAddress,
		staleAfter: staleAfter,
		store:      store,
		vault:      vault,
		agents:     agents,
		peers:      discover.NewTailscaleLister(cfg.VPNCommand),
	}

	if _, err := store.Nodes().UpsertLeader(cfg.Hostname, cfg.VPNAddress); err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "self-register as leader", err)
	}

	log.WithComponent("cluster").Info().Str("hostname", cfg.Hostname).Msg("registered as leader")
	return m, nil
}

// ---------------------------------------------------------------------------
// Join tokens
// ---------------------------------------------------------------------------

// IssueJoinToken creates a new join token granting role to up to maxUses
// workers, valid for ttl.
func (m *Manager) IssueJoinToken(createdBy string, role types.Role, maxUses int, ttl time.Duration) (*types.JoinToken, error) {
	raw, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}
	if maxUses <= 0 {
		maxUses = 1
	}
	now := time.Now().UTC()
	token := &types.JoinToken{
		Token:       raw,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		CreatedBy:   createdBy,
		RoleToGrant: role,
		MaxUses:     maxUses,
		IsActive:    true,
	}
	if err := m.store.Tokens().Create(token); err != nil {
		return nil, err
	}
	log.WithTokenID(fingerprint(raw)).Info().Str("role", string(role)).Msg("issued join token")
	return token, nil
}

// RevokeJoinToken deactivates a token immediately.
func (m *Manager) RevokeJoinToken(token string) error {
	return m.store.Tokens().Revoke(token)
}

// ListJoinTokens returns every token ever issued (including spent and
// revoked ones, for audit purposes).
func (m *Manager) ListJoinTokens() ([]*types.JoinToken, error) {
	return m.store.Tokens().List()
}

func fingerprint(token string) string {
	h := crypto.Hash(token)
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ---------------------------------------------------------------------------
// Worker registration
// ---------------------------------------------------------------------------

// RegisterInput carries the self-reported identity a worker presents to
// join the cluster.
type RegisterInput struct {
	Hostname     string
	VPNAddress   string
	Platform     types.Platform
	Capabilities types.Capabilities
	AgentVersion string
}

// Register redeems a join token and either inserts a brand-new worker
// record or re-registers an existing one (re-joining after a restart).
// A freshly-inserted worker is issued a new worker secret, returned
// exactly once in the result so the caller can relay it to the agent;
// it is never returned again afterward.
func (m *Manager) Register(token string, in RegisterInput) (worker *types.Worker, secret string, err error) {
	jt, err := m.store.Tokens().Consume(token)
	if err != nil {
		return nil, "", err
	}

	existing, err := m.store.Nodes().Get(in.Hostname)
	if err == nil {
		existing.VPNAddress = in.VPNAddress
		existing.Platform = in.Platform
		existing.Capabilities = in.Capabilities
		existing.AgentVersion = in.AgentVersion
		existing.Status = types.StatusOnline
		existing.LastSeen = time.Now().UTC()
		if updateErr := m.store.Nodes().UpdateWorker(in.Hostname, func(w *types.Worker) {
			*w = *existing
		}); updateErr != nil {
			return nil, "", updateErr
		}
		log.WithWorkerHostname(in.Hostname).Info().Msg("worker re-registered")
		return existing, "", nil
	}
	if fleeterr.KindOf(err) != fleeterr.NotFound {
		return nil, "", err
	}

	rawSecret, err := crypto.RandomToken(32)
	if err != nil {
		return nil, "", err
	}
	sealed, err := m.vault.Seal([]byte(rawSecret))
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	w := &types.Worker{
		ID:              uuid.NewString(),
		Hostname:        in.Hostname,
		VPNAddress:      in.VPNAddress,
		Platform:        in.Platform,
		Role:            jt.RoleToGrant,
		Status:          types.StatusOnline,
		Capabilities:    in.Capabilities,
		Labels:          map[string]string{},
		ServicesRunning: []string{},
		AgentVersion:    in.AgentVersion,
		RegisteredAt:    now,
		LastSeen:        now,
		EncryptedSecret: sealed,
		SecretHash:      crypto.Hash(rawSecret),
	}
	if err := m.store.Nodes().InsertWorker(w); err != nil {
		return nil, "", err
	}

	log.WithWorkerHostname(in.Hostname).Info().Str("vpn_address", in.VPNAddress).Msg("registered new worker")
	return w, rawSecret, nil
}

// Authenticate verifies a worker's presented secret against its stored
// hash in constant time.
func (m *Manager) Authenticate(hostname, presentedSecret string) error {
	w, err := m.store.Nodes().Get(hostname)
	if err != nil {
		return err
	}
	if !crypto.ConstantTimeEqual(crypto.Hash(presentedSecret), w.SecretHash) {
		return fleeterr.New(fleeterr.Unauthorized, "invalid worker secret")
	}
	return nil
}

// Remove deregisters a worker entirely. The leader's own record is
// protected: it must be removed, if ever, by the process shutting down,
// never through this path.
func (m *Manager) Remove(hostname string) (bool, error) {
	if hostname == m.hostname {
		return false, fleeterr.New(fleeterr.PreconditionFailed, "cannot remove the leader's own record")
	}
	return m.store.Nodes().Delete(hostname)
}

// Claim registers an already-reachable VPN peer as a worker without a join
// token, for the operator-initiated claim flow surfaced by peer
// discovery. The minted secret is returned exactly once; delivering it to
// the claimed agent out-of-band is the operator's responsibility.
func (m *Manager) Claim(hostname, vpnAddress string) (*types.Worker, string, error) {
	if _, err := m.store.Nodes().Get(hostname); err == nil {
		return nil, "", fleeterr.New(fleeterr.AlreadyRegistered, "worker already registered")
	} else if fleeterr.KindOf(err) != fleeterr.NotFound {
		return nil, "", err
	}

	rawSecret, err := crypto.RandomToken(32)
	if err != nil {
		return nil, "", err
	}
	sealed, err := m.vault.Seal([]byte(rawSecret))
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	w := &types.Worker{
		ID:              uuid.NewString(),
		Hostname:        hostname,
		VPNAddress:      vpnAddress,
		Role:            types.RoleWorker,
		Status:          types.StatusOnline,
		Labels:          map[string]string{},
		ServicesRunning: []string{},
		RegisteredAt:    now,
		LastSeen:        now,
		EncryptedSecret: sealed,
		SecretHash:      crypto.Hash(rawSecret),
	}
	if err := m.store.Nodes().InsertWorker(w); err != nil {
		return nil, "", err
	}

	log.WithWorkerHostname(hostname).Warn().Str("vpn_address", vpnAddress).
		Msg("claimed peer; plaintext secret must be delivered to the agent out-of-band")
	return w, rawSecret, nil
}

// ---------------------------------------------------------------------------
// Peer discovery
// ---------------------------------------------------------------------------

// PeerCategory classifies a discovered VPN peer relative to this leader's
// NodeStore.
type PeerCategory string

const (
	PeerRegistered PeerCategory = "registered"
	PeerAvailable  PeerCategory = "available"
	PeerUnknown    PeerCategory = "unknown"
)

// PeerInfo is one categorized VPN peer.
type PeerInfo struct {
	Hostname   string       `json:"hostname"`
	VPNAddress string       `json:"vpn_address"`
	Category   PeerCategory `json:"category"`
}

// PeerReport is the result of a full peer-discovery pass.
type PeerReport struct {
	Registered []PeerInfo     `json:"registered"`
	Available  []PeerInfo     `json:"available"`
	Unknown    []PeerInfo     `json:"unknown"`
	Counts     map[string]int `json:"counts"`
}

// DiscoverPeers enumerates the mesh-VPN peer list and probes every peer
// not already in NodeStore for a reachable agent, categorizing each as
// registered, available, or unknown.
func (m *Manager) DiscoverPeers(ctx context.Context) (*PeerReport, error) {
	rawPeers, err := m.peers.ListPeers(ctx)
	if err != nil {
		return nil, err
	}

	workers, err := m.store.Nodes().List(storage.NodeFilter{})
	if err != nil {
		return nil, err
	}
	knownHostname := make(map[string]bool, len(workers))
	knownVPN := make(map[string]bool, len(workers))
	for _, w := range workers {
		knownHostname[w.Hostname] = true
		if w.VPNAddress != "" {
			knownVPN[w.VPNAddress] = true
		}
	}

	report := &PeerReport{Counts: map[string]int{}}
	for _, p := range rawPeers {
		if p.Hostname == m.hostname || p.VPNAddress == m.vpnAddress {
			continue
		}

		info := PeerInfo{Hostname: p.Hostname, VPNAddress: p.VPNAddress}
		switch {
		case knownHostname[p.Hostname] || knownVPN[p.VPNAddress]:
			info.Category = PeerRegistered
			report.Registered = append(report.Registered, info)
		default:
			if _, err := m.agents.Health(p.VPNAddress); err == nil {
				info.Category = PeerAvailable
				report.Available = append(report.Available, info)
			} else {
				info.Category = PeerUnknown
				report.Unknown = append(report.Unknown, info)
			}
		}
	}

	report.Counts["registered"] = len(report.Registered)
	report.Counts["available"] = len(report.Available)
	report.Counts["unknown"] = len(report.Unknown)
	return report, nil
}

// ---------------------------------------------------------------------------
// Heartbeats
// ---------------------------------------------------------------------------

// Heartbeat is what a worker reports on every heartbeat tick.
type Heartbeat struct {
	Hostname        string
	Status          types.Status
	ServicesRunning []string
	Capabilities    *types.Capabilities
	AgentVersion    string
	Metrics         types.HeartbeatMetrics
}

// ProcessHeartbeat applies a worker's heartbeat to its stored record.
func (m *Manager) ProcessHeartbeat(hb Heartbeat) error {
	metrics.HeartbeatsReceivedTotal.Inc()
	return m.store.Nodes().UpdateWorker(hb.Hostname, func(w *types.Worker) {
		w.Status = hb.Status
		w.LastSeen = time.Now().UTC()
		w.ServicesRunning = hb.ServicesRunning
		if hb.Capabilities != nil {
			w.Capabilities = *hb.Capabilities
		}
		if hb.AgentVersion != "" {
			w.AgentVersion = hb.AgentVersion
		}
	})
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (m *Manager) Get(hostname string) (*types.Worker, error) { return m.store.Nodes().Get(hostname) }

func (m *Manager) List(filter storage.NodeFilter) ([]*types.Worker, error) {
	return m.store.Nodes().List(filter)
}

// Hostname returns the hostname this process registered itself under.
func (m *Manager) Hostname() string { return m.hostname }

// ValidateJoinToken checks a token is still redeemable without consuming
// it, for serving join/bootstrap scripts that may be fetched more than
// once before they are ever executed.
func (m *Manager) ValidateJoinToken(token string) (*types.JoinToken, error) {
	return m.store.Tokens().Validate(token)
}

// ---------------------------------------------------------------------------
// Upgrade relay
// ---------------------------------------------------------------------------

// UpgradeWorker instructs a worker to pull and restart with a new agent
// image, decrypting its stored secret to authenticate the relay call.
func (m *Manager) UpgradeWorker(hostname, image string) error {
	w, err := m.store.Nodes().Get(hostname)
	if err != nil {
		return err
	}
	if w.VPNAddress == "" {
		return fleeterr.New(fleeterr.Unreachable, "worker has no VPN address on record")
	}
	secret, err := m.vault.Unseal(w.EncryptedSecret)
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, "decrypt worker secret for upgrade relay", err)
	}
	return m.agents.Upgrade(w.VPNAddress, string(secret), image)
}

// UpgradeAll relays an upgrade to every currently online worker with
// role worker, collecting per-hostname errors rather than stopping at
// the first failure.
func (m *Manager) UpgradeAll(image string) map[string]error {
	results := make(map[string]error)
	workers, err := m.store.Nodes().List(storage.NodeFilter{Status: types.StatusOnline})
	if err != nil {
		return map[string]error{"*": err}
	}
	for _, w := range workers {
		if w.Role != types.RoleWorker {
			continue
		}
		results[w.Hostname] = m.UpgradeWorker(w.Hostname, image)
	}
	return results
}
