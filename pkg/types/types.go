package types

import "time"

// Platform identifies the operating system family a worker runs on.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

// Role is a worker's role within the cluster.
type Role string

const (
	RoleLeader  Role = "leader"
	RoleStandby Role = "standby"
	RoleWorker  Role = "worker"
)

// Status is a worker's liveness state as tracked by NodeStore.
type Status string

const (
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusError      Status = "error"
)

// Capabilities describes what a worker can run, self-reported at
// registration and refreshed on every heartbeat.
type Capabilities struct {
	Docker         bool  `json:"docker"`
	GPU            bool  `json:"gpu"`
	LeaderEligible bool  `json:"leader_eligible"`
	MemoryMB       int64 `json:"memory_mb"`
	CPUCores       int   `json:"cpu_cores"`
	DiskGB         int64 `json:"disk_gb"`
}

// Worker is a registered host participating in the cluster.
//
// Invariants: hostname is unique; exactly one worker has Role == RoleLeader;
// SecretHash is the one-way digest used for constant-time authentication of
// inbound worker requests, EncryptedSecret is the reversibly sealed copy
// used only when the leader must itself authenticate to the worker (command
// relay, upgrade).
type Worker struct {
	ID              string            `json:"id"`
	Hostname        string            `json:"hostname"`
	VPNAddress      string            `json:"vpn_address"`
	Platform        Platform          `json:"platform"`
	Role            Role              `json:"role"`
	Status          Status            `json:"status"`
	Capabilities    Capabilities      `json:"capabilities"`
	Labels          map[string]string `json:"labels"`
	ServicesRunning []string          `json:"services_running"`
	AgentVersion    string            `json:"agent_version"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastSeen        time.Time         `json:"last_seen"`
	EncryptedSecret []byte            `json:"encrypted_secret"`
	SecretHash      string            `json:"secret_hash"`
}

// JoinToken authorizes a bounded number of worker registrations.
//
// A token is terminal when Uses >= MaxUses, time.Now().After(ExpiresAt), or
// IsActive is false. Redemption must increment Uses atomically against
// concurrent redeemers (see pkg/storage TokenStore.Consume).
type JoinToken struct {
	Token       string    `json:"token"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedBy   string    `json:"created_by"`
	RoleToGrant Role      `json:"role_to_grant"`
	MaxUses     int       `json:"max_uses"`
	Uses        int       `json:"uses"`
	IsActive    bool      `json:"is_active"`
}

// RestartPolicy controls whether the agent's container runtime restarts a
// stopped container on its own.
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartOnFailure     RestartPolicy = "on-failure"
)

// ServiceDefinition is a catalog entry describing how to run a workload. A
// deploy-time snapshot of it is embedded into each Deployment as
// DeployedConfig.
type ServiceDefinition struct {
	ServiceID     string            `json:"service_id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Image         string            `json:"image"`
	Ports         map[string]int    `json:"ports"` // container_port (e.g. "80/tcp") -> host_port
	Env           map[string]string `json:"env"`
	Volumes       []string          `json:"volumes"` // "host_path:container_path" strings
	Command       []string          `json:"command,omitempty"`
	RestartPolicy RestartPolicy     `json:"restart_policy"`
	Network       string            `json:"network,omitempty"`
	HealthPath    string            `json:"health_path,omitempty"`
	HealthPort    int               `json:"health_port,omitempty"`
	Tags          []string          `json:"tags"`
	Metadata      map[string]string `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CreatedBy     string            `json:"created_by"`
}

// DeploymentStatus is a Deployment's position in its lifecycle state
// machine: pending -> deploying -> running -> stopped, with failed and
// removing reachable from multiple states.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentStopped   DeploymentStatus = "stopped"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentRemoving  DeploymentStatus = "removing"
)

// Deployment is a running (or formerly running) instance of a
// ServiceDefinition on a specific worker.
//
// Invariant: at most one Deployment per (ServiceID, WorkerHostname) may be
// in {DeploymentDeploying, DeploymentRunning} at a time; enforced by
// pkg/storage's deployment-slot index.
type Deployment struct {
	ID              string            `json:"id"`
	ServiceID       string            `json:"service_id"`
	WorkerHostname  string            `json:"worker_hostname"`
	Status          DeploymentStatus  `json:"status"`
	ContainerID     string            `json:"container_id,omitempty"`
	ContainerName   string            `json:"container_name"`
	DeployedConfig  ServiceDefinition `json:"deployed_config"`
	CreatedAt       time.Time         `json:"created_at"`
	DeployedAt      *time.Time        `json:"deployed_at,omitempty"`
	StoppedAt       *time.Time        `json:"stopped_at,omitempty"`
	LastHealthCheck *time.Time        `json:"last_health_check,omitempty"`
	Healthy         *bool             `json:"healthy,omitempty"`
	Error           string            `json:"error,omitempty"`
	RetryCount      int               `json:"retry_count"`
	ExposedPort     int               `json:"exposed_port,omitempty"`
}

// InDeploySlot reports whether the deployment currently occupies the
// (service, worker) uniqueness slot.
func (d *Deployment) InDeploySlot() bool {
	return d.Status == DeploymentDeploying || d.Status == DeploymentRunning
}

// CryptoContext holds the single process-wide master secret CryptoVault
// derives its symmetric key from.
type CryptoContext struct {
	MasterSecret string
}

// HeartbeatMetrics is the metrics payload a worker attaches to every
// heartbeat, mirroring the shape the original Ushadow manager reports.
type HeartbeatMetrics struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	ContainerCount int       `json:"container_count"`
}
