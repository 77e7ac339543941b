package runtime

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream listens on loopback and echoes back whatever it reads on
// each accepted connection, standing in for a container's service port.
func fakeUpstream(t *testing.T) (port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, func() { _ = ln.Close() }
}

func freeHostPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestPortForwarder_StartProxiesConnections(t *testing.T) {
	containerPort, closeUpstream := fakeUpstream(t)
	defer closeUpstream()

	f := newPortForwarder()
	hostPort := freeHostPort(t)

	require.NoError(t, f.start("container-1", "127.0.0.1", PortBinding{ContainerPort: containerPort, Proto: "tcp", HostPort: hostPort}))
	defer f.stop("container-1")

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(hostPort), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestPortForwarder_StopClosesListenerAndRejectsNewConns(t *testing.T) {
	f := newPortForwarder()
	hostPort := freeHostPort(t)

	require.NoError(t, f.start("container-2", "127.0.0.1", PortBinding{ContainerPort: 9999, Proto: "tcp", HostPort: hostPort}))
	f.stop("container-2")

	time.Sleep(50 * time.Millisecond)
	_, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(hostPort), 500*time.Millisecond)
	assert.Error(t, err)
}

func TestPortForwarder_RejectsNonTCP(t *testing.T) {
	f := newPortForwarder()
	err := f.start("container-3", "127.0.0.1", PortBinding{ContainerPort: 80, Proto: "udp", HostPort: freeHostPort(t)})
	assert.Error(t, err)
}

func TestPortForwarder_ActiveBindingsTracksAndClears(t *testing.T) {
	f := newPortForwarder()
	binding := PortBinding{ContainerPort: 80, Proto: "tcp", HostPort: freeHostPort(t)}

	require.NoError(t, f.start("container-4", "127.0.0.1", binding))
	assert.Equal(t, []PortBinding{binding}, f.activeBindings("container-4"))

	f.stop("container-4")
	assert.Empty(t, f.activeBindings("container-4"))
}
