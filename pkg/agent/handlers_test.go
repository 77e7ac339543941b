package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushadow-io/fleetd/pkg/types"
)

func newTestAgent(secret string) *Agent {
	return &Agent{
		cfg: Config{
			Hostname:     "worker-1",
			VPNAddress:   "10.10.0.5",
			AgentVersion: "0.1.0-test",
			NodeSecret:   secret,
		},
	}
}

func TestAuthenticated_RejectsWrongSecret(t *testing.T) {
	a := newTestAgent("correct-horse")
	called := false
	h := a.authenticated(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	req.Header.Set("X-Node-Secret", "wrong")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestAuthenticated_RejectsMissingSecret(t *testing.T) {
	a := newTestAgent("correct-horse")
	h := a.authenticated(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	})

	req := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticated_AllowsMatchingSecret(t *testing.T) {
	a := newTestAgent("correct-horse")
	called := false
	h := a.authenticated(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	req.Header.Set("X-Node-Secret", "correct-horse")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestHandleHealth(t *testing.T) {
	a := newTestAgent("s")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	a.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hostname":"worker-1"`)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestHandleInfo(t *testing.T) {
	a := newTestAgent("s")

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()

	a.handleInfo(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"vpn_address":"10.10.0.5"`)
}

func TestParsePorts(t *testing.T) {
	bindings, err := parsePorts(map[string]int{"80/tcp": 8080, "53/udp": 5353, "443": 8443})
	require.NoError(t, err)
	require.Len(t, bindings, 3)

	byContainerPort := map[int]runtimePortBindingTestView{}
	for _, b := range bindings {
		byContainerPort[b.ContainerPort] = runtimePortBindingTestView{proto: b.Proto, hostPort: b.HostPort}
	}

	assert.Equal(t, runtimePortBindingTestView{proto: "tcp", hostPort: 8080}, byContainerPort[80])
	assert.Equal(t, runtimePortBindingTestView{proto: "udp", hostPort: 5353}, byContainerPort[53])
	assert.Equal(t, runtimePortBindingTestView{proto: "tcp", hostPort: 8443}, byContainerPort[443])
}

type runtimePortBindingTestView struct {
	proto    string
	hostPort int
}

func TestParsePorts_RejectsMalformedContainerPort(t *testing.T) {
	_, err := parsePorts(map[string]int{"not-a-port/tcp": 8080})
	assert.Error(t, err)
}

func TestParseVolumes(t *testing.T) {
	mounts := parseVolumes([]string{"/data:/var/lib/app", "/etc/conf:/etc/app:ro", "garbage"})
	require.Len(t, mounts, 2)
	assert.Equal(t, "/data", mounts[0].Source)
	assert.Equal(t, "/var/lib/app", mounts[0].Destination)
	assert.False(t, mounts[0].ReadOnly)
	assert.True(t, mounts[1].ReadOnly)
}

func TestEnvSlice(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar"})
	assert.Equal(t, []string{"FOO=bar"}, out)
}

func TestReadTail_FewerLinesThanRequested(t *testing.T) {
	lines, err := readTail(strings.NewReader("a\nb\nc\n"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestReadTail_TruncatesToLastN(t *testing.T) {
	lines, err := readTail(strings.NewReader("a\nb\nc\nd\ne\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, lines)
}

func TestReadTail_ZeroReturnsEverything(t *testing.T) {
	lines, err := readTail(strings.NewReader("a\nb\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
}

func TestNameLocks_SerializesSameName(t *testing.T) {
	var n nameLocks
	unlock := n.lock("web")
	unlocked := make(chan struct{})

	go func() {
		defer close(unlocked)
		unlock2 := n.lock("web")
		unlock2()
	}()

	select {
	case <-unlocked:
		t.Fatal("second lock acquired before first was released")
	default:
	}

	unlock()
	<-unlocked
}

func TestNameLocks_DifferentNamesDoNotBlock(t *testing.T) {
	var n nameLocks
	unlockA := n.lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := n.lock("b")
		unlockB()
		close(done)
	}()

	<-done
}

func TestDeployRequest_DefaultRestartPolicy(t *testing.T) {
	var req DeployRequest
	assert.Equal(t, types.RestartPolicy(""), req.RestartPolicy)
}
