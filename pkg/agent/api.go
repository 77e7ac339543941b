package agent

import "github.com/ushadow-io/fleetd/pkg/types"

// DeployRequest asks the agent to idempotently (re)create a named
// container. If a container with ContainerName already exists, the
// agent stops and removes it before recreating.
type DeployRequest struct {
	ContainerName string              `json:"container_name"`
	Image         string              `json:"image"`
	Ports         map[string]int      `json:"ports"` // "80/tcp" -> host port
	Env           map[string]string   `json:"env"`
	Volumes       []string            `json:"volumes"` // "host:container"
	Command       []string            `json:"command,omitempty"`
	RestartPolicy types.RestartPolicy `json:"restart_policy"`
}

// DeployResponse is the result of a deploy, or of any other command that
// wants to report the affected container's end state.
type DeployResponse struct {
	Success       bool   `json:"success"`
	ContainerID   string `json:"container_id,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NameRequest names the container a stop/restart/remove command targets.
type NameRequest struct {
	ContainerName string `json:"container_name"`
}

// HealthResponse answers the agent's unauthenticated health probe.
type HealthResponse struct {
	Status          string `json:"status"`
	Hostname        string `json:"hostname"`
	AgentVersion    string `json:"agent_version"`
	DockerAvailable bool   `json:"docker_available"`
}

// InfoResponse answers the agent's unauthenticated identity probe, used
// by the leader's peer-discovery prober.
type InfoResponse struct {
	Hostname     string `json:"hostname"`
	VPNAddress   string `json:"vpn_address"`
	AgentVersion string `json:"agent_version"`
}

// StatusResponse reports a single container's current lifecycle state.
type StatusResponse struct {
	ContainerName string `json:"container_name"`
	Status        string `json:"status"`
}

// ContainersResponse lists every container this agent's runtime knows
// about, by fleet-assigned name.
type ContainersResponse struct {
	Containers []string `json:"containers"`
}

// UpgradeRequest carries the image the agent should recreate itself
// with.
type UpgradeRequest struct {
	Image string `json:"image"`
}

// ErrorResponse is the JSON body returned alongside a non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HeartbeatRequest is what the agent POSTs to the leader's /heartbeat
// endpoint every HeartbeatPeriod.
type HeartbeatRequest struct {
	Hostname        string                 `json:"hostname"`
	Status          types.Status           `json:"status"`
	AgentVersion    string                 `json:"agent_version"`
	ServicesRunning []string               `json:"services_running"`
	Capabilities    types.Capabilities     `json:"capabilities"`
	Metrics         types.HeartbeatMetrics `json:"metrics"`
}
