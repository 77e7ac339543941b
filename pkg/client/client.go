package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ushadow-io/fleetd/pkg/agent"
	"github.com/ushadow-io/fleetd/pkg/fleeterr"
)

const defaultAgentPort = 8444

// shortTimeout bounds quick commands (stop/restart/status/logs);
// longTimeout bounds commands that may block on an image pull.
const (
	shortTimeout = 30 * time.Second
	longTimeout  = 120 * time.Second
	probeTimeout = 2 * time.Second
)

// Client relays control-plane commands to worker agents over their HTTP
// control API.
type Client struct {
	http      *http.Client
	agentPort int
}

// New constructs a Client. agentPort is the worker agents' control API
// port; 0 selects the spec default (8444).
func New(agentPort int) *Client {
	if agentPort == 0 {
		agentPort = defaultAgentPort
	}
	return &Client{
		http:      &http.Client{},
		agentPort: agentPort,
	}
}

func (c *Client) url(vpnAddress, path string) string {
	return fmt.Sprintf("http://%s:%d%s", vpnAddress, c.agentPort, path)
}

func (c *Client) do(ctx context.Context, method, vpnAddress, secret, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fleeterr.Wrap(fleeterr.Internal, "marshal relay request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(vpnAddress, path), reader)
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, "build relay request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("X-Node-Secret", secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fleeterr.Wrap(fleeterr.Unreachable, "agent unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fleeterr.New(fleeterr.Unauthorized, "agent rejected node secret")
	}
	if resp.StatusCode >= 300 {
		var errResp agent.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fleeterr.New(fleeterr.Internal, fmt.Sprintf("agent returned %d: %s", resp.StatusCode, errResp.Error))
		}
		return fleeterr.New(fleeterr.Internal, fmt.Sprintf("agent returned status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fleeterr.Wrap(fleeterr.Internal, "decode agent response", err)
	}
	return nil
}

// Deploy relays a deploy command, image pull included, hence the long
// timeout.
func (c *Client) Deploy(vpnAddress, secret string, req agent.DeployRequest) (*agent.DeployResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), longTimeout)
	defer cancel()

	var resp agent.DeployResponse
	if err := c.do(ctx, http.MethodPost, vpnAddress, secret, "/deploy", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop relays a stop command for the named container.
func (c *Client) Stop(vpnAddress, secret, containerName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	return c.do(ctx, http.MethodPost, vpnAddress, secret, "/stop", agent.NameRequest{ContainerName: containerName}, nil)
}

// Restart relays a restart command for the named container.
func (c *Client) Restart(vpnAddress, secret, containerName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	return c.do(ctx, http.MethodPost, vpnAddress, secret, "/restart", agent.NameRequest{ContainerName: containerName}, nil)
}

// Remove relays a remove command for the named container.
func (c *Client) Remove(vpnAddress, secret, containerName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	return c.do(ctx, http.MethodPost, vpnAddress, secret, "/remove", agent.NameRequest{ContainerName: containerName}, nil)
}

// Status relays a status query for the named container.
func (c *Client) Status(vpnAddress, secret, containerName string) (*agent.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	var resp agent.StatusResponse
	if err := c.do(ctx, http.MethodGet, vpnAddress, secret, "/status/"+containerName, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logs relays a logs fetch for the named container, returning nil if the
// agent could not be reached rather than propagating the error, since
// log retrieval is best-effort from the caller's point of view.
func (c *Client) Logs(vpnAddress, secret, containerName string, tail int) (*string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	path := fmt.Sprintf("/logs/%s", containerName)
	if tail > 0 {
		path = fmt.Sprintf("%s?tail=%d", path, tail)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(vpnAddress, path), nil)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "build logs request", err)
	}
	req.Header.Set("X-Node-Secret", secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil
	}
	text := string(body)
	return &text, nil
}

// Upgrade relays a self-upgrade command, image pull included, hence the
// long timeout. Signature matches cluster.AgentClient.
func (c *Client) Upgrade(vpnAddress, secret, image string) error {
	ctx, cancel := context.WithTimeout(context.Background(), longTimeout)
	defer cancel()

	return c.do(ctx, http.MethodPost, vpnAddress, secret, "/upgrade", agent.UpgradeRequest{Image: image}, nil)
}

// Health probes a peer's unauthenticated /health endpoint, used by peer
// discovery with a short timeout since it must not stall a full fleet
// scan on one unreachable host.
func (c *Client) Health(vpnAddress string) (*agent.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var resp agent.HealthResponse
	if err := c.do(ctx, http.MethodGet, vpnAddress, "", "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Info probes a peer's unauthenticated /info endpoint, used by peer
// discovery to learn whether an available peer is already bound to a
// different leader.
func (c *Client) Info(vpnAddress string) (*agent.InfoResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var resp agent.InfoResponse
	if err := c.do(ctx, http.MethodGet, vpnAddress, "", "/info", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
