package runtime

import "github.com/ushadow-io/fleetd/pkg/types"

// PortBinding publishes a container port on the host, since containerd
// (unlike dockerd) has no built-in port-publishing of its own.
type PortBinding struct {
	ContainerPort int
	Proto         string // "tcp" or "udp"
	HostPort      int
}

// Mount is a host bind mount into the container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerSpec is everything the runtime needs to create and start one
// container. It is built from a ServiceDefinition at deploy time.
type ContainerSpec struct {
	ID            string
	Image         string
	Env           []string
	Command       []string
	Ports         []PortBinding
	Mounts        []Mount
	RestartPolicy types.RestartPolicy
	MaxRetries    int
}

// State is a container's lifecycle state as reported by the runtime.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)
