package runtime

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ushadow-io/fleetd/pkg/log"
)

// portForwarder publishes container ports on the host by proxying raw
// TCP connections, since containerd (unlike dockerd) does not publish
// ports itself. One goroutine accepts on the host listener per mapping;
// each accepted connection gets its own pair of copy goroutines.
type portForwarder struct {
	mu        sync.Mutex
	listeners map[string][]net.Listener // containerID -> its host listeners
	bindings  map[string][]PortBinding  // containerID -> the bindings behind those listeners
	logger    zerolog.Logger
}

func newPortForwarder() *portForwarder {
	return &portForwarder{
		listeners: make(map[string][]net.Listener),
		bindings:  make(map[string][]PortBinding),
		logger:    log.WithComponent("port-forwarder"),
	}
}

// start opens a host listener for binding and forwards accepted
// connections to containerIP:binding.ContainerPort.
func (f *portForwarder) start(containerID, containerIP string, binding PortBinding) error {
	proto := binding.Proto
	if proto == "" {
		proto = "tcp"
	}
	if proto != "tcp" {
		return fmt.Errorf("port forwarding only supports tcp, got %q", proto)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", binding.HostPort))
	if err != nil {
		return fmt.Errorf("listen on host port %d: %w", binding.HostPort, err)
	}

	f.mu.Lock()
	f.listeners[containerID] = append(f.listeners[containerID], ln)
	f.bindings[containerID] = append(f.bindings[containerID], binding)
	f.mu.Unlock()

	upstream := fmt.Sprintf("%s:%d", containerIP, binding.ContainerPort)
	go f.acceptLoop(ln, upstream)
	return nil
}

func (f *portForwarder) acceptLoop(ln net.Listener, upstream string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by stop()
		}
		go f.proxy(conn, upstream)
	}
}

func (f *portForwarder) proxy(conn net.Conn, upstream string) {
	defer conn.Close()

	dst, err := net.DialTimeout("tcp", upstream, 5*time.Second)
	if err != nil {
		f.logger.Error().Err(err).Str("upstream", upstream).Msg("dial container for forwarded connection")
		return
	}
	defer dst.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(dst, conn)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, dst)
	}()
	wg.Wait()
}

// stop closes every host listener opened for containerID. In-flight
// proxied connections drain on their own; only new connections are
// refused.
func (f *portForwarder) stop(containerID string) {
	f.mu.Lock()
	lns := f.listeners[containerID]
	delete(f.listeners, containerID)
	delete(f.bindings, containerID)
	f.mu.Unlock()

	for _, ln := range lns {
		_ = ln.Close()
	}
}

// activeBindings returns the port bindings currently published for
// containerID, so callers (e.g. a self-upgrade) can carry them forward.
func (f *portForwarder) activeBindings(containerID string) []PortBinding {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PortBinding, len(f.bindings[containerID]))
	copy(out, f.bindings[containerID])
	return out
}
