package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushadow-io/fleetd/pkg/agent"
	"github.com/ushadow-io/fleetd/pkg/fleeterr"
)

// newTestClientAgainst starts an httptest server and returns a Client
// whose agentPort is pointed at it; the relay's vpnAddress for calls
// against this server must be the server's own host:port split apart,
// since Client builds URLs from a bare address plus its own port.
func newTestClientAgainst(t *testing.T, handler http.Handler) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := splitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := New(port)
	return c, host
}

func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndex(hostport, ":")
	return hostport[:i], hostport[i+1:], nil
}

func TestDeploy_SendsSecretAndDecodesResponse(t *testing.T) {
	var gotSecret string
	var gotReq agent.DeployRequest

	c, host := newTestClientAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deploy", r.URL.Path)
		gotSecret = r.Header.Get("X-Node-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(agent.DeployResponse{Success: true, ContainerID: "abc123"})
	}))

	resp, err := c.Deploy(host, "node-secret", agent.DeployRequest{ContainerName: "web", Image: "nginx:latest"})
	require.NoError(t, err)

	assert.Equal(t, "node-secret", gotSecret)
	assert.Equal(t, "web", gotReq.ContainerName)
	assert.True(t, resp.Success)
	assert.Equal(t, "abc123", resp.ContainerID)
}

func TestStop_PropagatesUnauthorized(t *testing.T) {
	c, host := newTestClientAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := c.Stop(host, "wrong-secret", "web")
	require.Error(t, err)
	assert.Equal(t, fleeterr.Unauthorized, fleeterr.KindOf(err))
}

func TestStop_PropagatesAgentError(t *testing.T) {
	c, host := newTestClientAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(agent.ErrorResponse{Error: "container busy"})
	}))

	err := c.Stop(host, "s", "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container busy")
}

func TestLogs_ReturnsNilWithoutErrorWhenUnreachable(t *testing.T) {
	c := New(1) // nothing listens on port 1

	text, err := c.Logs("127.0.0.1", "s", "web", 50)
	require.NoError(t, err)
	assert.Nil(t, text)
}

func TestLogs_PassesTailQueryParam(t *testing.T) {
	var gotQuery string
	c, host := newTestClientAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("log line one\nlog line two"))
	}))

	text, err := c.Logs(host, "s", "web", 50)
	require.NoError(t, err)
	require.NotNil(t, text)
	assert.Equal(t, "tail=50", gotQuery)
	assert.Contains(t, *text, "log line two")
}

func TestUpgrade_SendsImage(t *testing.T) {
	var gotReq agent.UpgradeRequest
	c, host := newTestClientAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(agent.DeployResponse{Success: true, Status: "upgrading"})
	}))

	err := c.Upgrade(host, "s", "ghcr.io/fleetd/agent:v2")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/fleetd/agent:v2", gotReq.Image)
}

func TestHealth_DoesNotSendSecret(t *testing.T) {
	var gotSecret string
	c, host := newTestClientAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Node-Secret")
		_ = json.NewEncoder(w).Encode(agent.HealthResponse{Status: "healthy", Hostname: "worker-1"})
	}))

	resp, err := c.Health(host)
	require.NoError(t, err)
	assert.Empty(t, gotSecret)
	assert.Equal(t, "worker-1", resp.Hostname)
}

func TestNew_DefaultsAgentPort(t *testing.T) {
	c := New(0)
	assert.Equal(t, defaultAgentPort, c.agentPort)
}
