package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/ushadow-io/fleetd/pkg/log"
	"github.com/ushadow-io/fleetd/pkg/types"
)

// defaultMaxRetries bounds an on-failure restart loop when a spec doesn't
// set its own MaximumRetryCount.
const defaultMaxRetries = 3

// supervisedState tracks what's needed to enforce a container's restart
// policy across task restarts, since containerd has no restart-policy
// concept of its own (unlike dockerd's HostConfig.RestartPolicy) - the
// wrapper has to watch task exits and react itself.
type supervisedState struct {
	policy     types.RestartPolicy
	maxRetries int
	ports      []PortBinding
	attempts   int
	stopped    bool
	generation int
}

const (
	// Namespace isolates this fleet's containers from anything else
	// sharing the host's containerd daemon.
	Namespace = "fleetd"

	// DefaultSocketPath is where containerd listens by default.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Runtime wraps a containerd client with the lifecycle operations the
// worker agent's command API needs.
type Runtime struct {
	client    *containerd.Client
	namespace string
	logDir    string
	forwarder *portForwarder
	logger    zerolog.Logger

	mu     sync.Mutex
	states map[string]*supervisedState
}

// New connects to containerd at socketPath (DefaultSocketPath if empty).
// Container stdout/stderr is captured to logDir, one file per container.
func New(socketPath, logDir string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if logDir == "" {
		logDir = "/var/log/fleetd/containers"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create container log dir: %w", err)
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &Runtime{
		client:    client,
		namespace: Namespace,
		logDir:    logDir,
		forwarder: newPortForwarder(),
		logger:    log.WithComponent("runtime"),
		states:    make(map[string]*supervisedState),
	}, nil
}

func (r *Runtime) logPath(containerID string) string {
	return filepath.Join(r.logDir, containerID+".log")
}

// Close releases the containerd client connection.
func (r *Runtime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// PullImage pulls and unpacks an image from a registry.
func (r *Runtime) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateContainer materializes spec as a containerd container (not yet
// started).
func (r *Runtime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     options,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctr, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	maxRetries := spec.MaxRetries
	if spec.RestartPolicy == types.RestartOnFailure && maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	r.mu.Lock()
	r.states[spec.ID] = &supervisedState{policy: spec.RestartPolicy, maxRetries: maxRetries}
	r.mu.Unlock()

	return ctr.ID(), nil
}

// StartContainer starts containerID's task, wires up any published ports
// once its network namespace is up, and - if the container was created
// with a restart policy other than "no" - starts supervising it so it
// gets restarted according to that policy when its task exits.
func (r *Runtime) StartContainer(ctx context.Context, containerID string, ports []PortBinding) error {
	ctx = r.ctx(ctx)

	task, err := r.startTask(ctx, containerID)
	if err != nil {
		return err
	}
	r.wirePorts(ctx, containerID, task, ports)

	r.mu.Lock()
	state, ok := r.states[containerID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	state.ports = ports
	state.stopped = false
	state.attempts = 0
	state.generation++
	gen := state.generation
	policy := state.policy
	r.mu.Unlock()

	if policy != types.RestartNo && policy != "" {
		go r.superviseLoop(containerID, gen)
	}
	return nil
}

// startTask creates and starts a task for an already-materialized
// container, without touching port forwarding or restart supervision.
func (r *Runtime) startTask(ctx context.Context, containerID string) (containerd.Task, error) {
	ctr, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := ctr.NewTask(ctx, cio.LogFile(r.logPath(containerID)))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}
	return task, nil
}

// wirePorts resolves task's container IP and publishes ports through the
// forwarder. Errors are logged, not returned: a port-forwarding failure
// shouldn't fail container start.
func (r *Runtime) wirePorts(ctx context.Context, containerID string, task containerd.Task, ports []PortBinding) {
	if len(ports) == 0 {
		return
	}

	ip, err := r.containerIP(ctx, task.Pid())
	if err != nil {
		r.logger.Warn().Err(err).Str("container_id", containerID).Msg("could not resolve container IP for port forwarding")
		return
	}
	for _, binding := range ports {
		if err := r.forwarder.start(containerID, ip, binding); err != nil {
			r.logger.Error().Err(err).Str("container_id", containerID).Int("host_port", binding.HostPort).Msg("publish port")
		}
	}
}

// superviseLoop watches containerID's task for exit and restarts it
// according to its restart policy, bounding on-failure restarts by
// maxRetries. gen identifies the generation of (re)start this loop is
// watching over: if a newer generation has started by the time a task
// exits (an explicit restart raced with us), this loop stands down
// rather than double-restarting.
func (r *Runtime) superviseLoop(containerID string, gen int) {
	ctx := namespaces.WithNamespace(context.Background(), r.namespace)

	for {
		ctr, err := r.client.LoadContainer(ctx, containerID)
		if err != nil {
			return
		}
		task, err := ctr.Task(ctx, nil)
		if err != nil {
			return
		}
		statusC, err := task.Wait(ctx)
		if err != nil {
			return
		}
		status := <-statusC

		r.mu.Lock()
		state, ok := r.states[containerID]
		if !ok || state.generation != gen || state.stopped {
			r.mu.Unlock()
			return
		}
		if !r.shouldRestartLocked(state, status.ExitCode()) {
			policy := state.policy
			r.mu.Unlock()
			r.logger.Warn().Str("container_id", containerID).Str("policy", string(policy)).Msg("container exited, not restarting")
			return
		}
		state.attempts++
		state.generation++
		gen = state.generation
		ports := state.ports
		attempts := state.attempts
		r.mu.Unlock()

		r.logger.Info().Str("container_id", containerID).Int("attempt", attempts).Msg("restarting container per restart policy")

		if _, err := task.Delete(ctx); err != nil {
			r.logger.Warn().Err(err).Str("container_id", containerID).Msg("delete exited task before restart")
		}

		newTask, err := r.startTask(ctx, containerID)
		if err != nil {
			r.logger.Error().Err(err).Str("container_id", containerID).Msg("restart container")
			return
		}
		r.wirePorts(ctx, containerID, newTask, ports)
	}
}

// shouldRestartLocked decides whether an exited container should be
// restarted under its policy. Callers must hold r.mu.
func (r *Runtime) shouldRestartLocked(state *supervisedState, exitCode uint32) bool {
	switch state.policy {
	case types.RestartAlways, types.RestartUnlessStopped:
		return true
	case types.RestartOnFailure:
		if exitCode == 0 {
			return false
		}
		return state.attempts < state.maxRetries
	default:
		return false
	}
}

// markStopped records that containerID's task is being stopped
// deliberately, so its supervisor (if any) doesn't treat the exit that
// follows as a crash to restart from.
func (r *Runtime) markStopped(containerID string) {
	r.mu.Lock()
	if state, ok := r.states[containerID]; ok {
		state.stopped = true
	}
	r.mu.Unlock()
}

// StopContainer sends SIGTERM, waits up to timeout, then SIGKILLs. It is
// idempotent: a container with no running task is a no-op.
func (r *Runtime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)
	r.forwarder.stop(containerID)
	r.markStopped(containerID)

	ctr, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// DeleteContainer stops (if running) and removes containerID and its
// snapshot. A missing container is a no-op.
func (r *Runtime) DeleteContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	ctr, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	if err := r.StopContainer(ctx, containerID, 10*time.Second); err != nil {
		r.logger.Warn().Err(err).Str("container_id", containerID).Msg("stop before delete failed, continuing")
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}

	r.mu.Lock()
	delete(r.states, containerID)
	r.mu.Unlock()
	return nil
}

// InspectContainer reads back containerID's current configuration: the
// env it was created with, its bind mounts, and its published ports.
// Used by a self-upgrade to preserve a container's configuration across
// a recreate, mirroring how a plain `docker inspect` is used to recover
// Config.Env, HostConfig.PortBindings and bind-type Mounts before
// re-running a container on a new image.
func (r *Runtime) InspectContainer(ctx context.Context, containerID string) (*ContainerSpec, error) {
	ctx = r.ctx(ctx)

	ctr, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("load container %s: %w", containerID, err)
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("read spec for %s: %w", containerID, err)
	}

	out := &ContainerSpec{ID: containerID}
	if spec.Process != nil {
		out.Env = append([]string(nil), spec.Process.Env...)
	}
	for _, m := range spec.Mounts {
		if m.Type != "bind" {
			continue
		}
		readOnly := false
		for _, o := range m.Options {
			if o == "ro" {
				readOnly = true
			}
		}
		out.Mounts = append(out.Mounts, Mount{Source: m.Source, Destination: m.Destination, ReadOnly: readOnly})
	}
	out.Ports = r.forwarder.activeBindings(containerID)

	return out, nil
}

// GetContainerStatus maps containerd task state to our State.
func (r *Runtime) GetContainerStatus(ctx context.Context, containerID string) (State, error) {
	ctx = r.ctx(ctx)

	ctr, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return StateFailed, fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return StatePending, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return StateFailed, fmt.Errorf("task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return StateRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return StateComplete, nil
		}
		return StateFailed, nil
	default:
		return StatePending, nil
	}
}

// IsRunning is a convenience wrapper around GetContainerStatus.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) bool {
	status, err := r.GetContainerStatus(ctx, containerID)
	return err == nil && status == StateRunning
}

// ListContainers returns every container ID in this fleet's namespace.
func (r *Runtime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// GetContainerLogs opens containerID's combined stdout/stderr log file,
// written by the cio.LogFile creator StartContainer configures the task
// with. The caller is responsible for closing it, and for any tailing.
func (r *Runtime) GetContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	f, err := os.Open(r.logPath(containerID))
	if err != nil {
		return nil, fmt.Errorf("open log file for %s: %w", containerID, err)
	}
	return f, nil
}

// containerIP resolves a running task's container-network IP by entering
// its network namespace via nsenter and reading eth0. containerd has no
// native accessor for this the way CNI result caching would provide.
func (r *Runtime) containerIP(ctx context.Context, pid uint32) (string, error) {
	if pid == 0 {
		return "", fmt.Errorf("task has no pid")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("nsenter ip addr: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("parse container IP %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no IP address found on eth0")
}
