package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ushadow-io/fleetd/pkg/agent"
	"github.com/ushadow-io/fleetd/pkg/config"
	"github.com/ushadow-io/fleetd/pkg/log"
	"github.com/ushadow-io/fleetd/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet-agent",
		Short: "fleet-agent runs on a worker host, reporting to a fleet leader",
		Long: `fleet-agent is the per-worker daemon: it reports liveness and
capacity to the leader over a heartbeat loop and exposes an HTTP control
API the leader drives container lifecycle commands through.`,
		Version: Version,
	}
	cmd.SetVersionTemplate(fmt.Sprintf(
		"fleet-agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.BindFlags(cmd.Flags(), config.AgentOptions); err != nil {
		fmt.Fprintf(os.Stderr, "Error: bind flags: %v\n", err)
		os.Exit(1)
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd, cfg)
	}

	cobra.OnInitialize(func() { initLogging(cmd) })
	return cmd
}

func initLogging(cmd *cobra.Command) {
	logLevel, _ := cmd.PersistentFlags().GetString("log-level")
	logJSON, _ := cmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runAgent(cmd *cobra.Command, cfg *config.Config) error {
	hostname := cfg.AgentHostname()
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
		hostname = h
	}

	leaderURL := cfg.AgentLeaderURL()
	if leaderURL == "" {
		return fmt.Errorf("--leader-url is required")
	}

	nodeSecret := cfg.AgentNodeSecret()
	if nodeSecret == "" {
		joinToken := cfg.AgentJoinToken()
		if joinToken == "" {
			return fmt.Errorf("either --node-secret or --join-token is required")
		}
		secret, err := registerWithLeader(leaderURL, joinToken, hostname, cfg)
		if err != nil {
			return fmt.Errorf("register with leader: %w", err)
		}
		nodeSecret = secret
	}

	a, err := agent.New(agent.Config{
		Hostname:         hostname,
		VPNAddress:       cfg.AgentVPNAddress(),
		LeaderURL:        leaderURL,
		NodeSecret:       nodeSecret,
		Address:          cfg.AgentAddress(),
		ContainerdSocket: cfg.AgentContainerdSocket(),
		ContainerLogDir:  cfg.AgentContainerLogDir(),
		DataDir:          cfg.AgentDataDir(),
		HeartbeatPeriod:  cfg.AgentHeartbeatPeriod(),
		AgentVersion:     Version,
		LeaderEligible:   cfg.AgentLeaderEligible(),
	})
	if err != nil {
		return fmt.Errorf("start worker agent: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.Start(); err != nil {
			errCh <- err
		}
	}()

	logger := log.WithWorkerHostname(hostname)
	logger.Info().Str("leader_url", leaderURL).Msg("fleet-agent running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("control API server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Shutdown(ctx)
}

type registerRequest struct {
	Token        string         `json:"token"`
	Hostname     string         `json:"hostname"`
	VPNAddress   string         `json:"vpn_address"`
	Platform     types.Platform `json:"platform"`
	AgentVersion string         `json:"agent_version"`
}

type registerResponse struct {
	Hostname string `json:"hostname"`
	Secret   string `json:"secret"`
}

// registerWithLeader exchanges a join token for a node secret on first
// run, so a worker can be brought up from a bootstrap script with only
// a token rather than a pre-provisioned secret.
func registerWithLeader(leaderURL, token, hostname string, cfg *config.Config) (string, error) {
	body, err := json.Marshal(registerRequest{
		Token:        token,
		Hostname:     hostname,
		VPNAddress:   cfg.AgentVPNAddress(),
		Platform:     detectPlatform(),
		AgentVersion: Version,
	})
	if err != nil {
		return "", fmt.Errorf("encode register request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, leaderURL+"/register", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build register request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send register request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("leader rejected registration: status %d", resp.StatusCode)
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode register response: %w", err)
	}
	if out.Secret == "" {
		return "", fmt.Errorf("leader returned an empty node secret")
	}
	return out.Secret, nil
}

func detectPlatform() types.Platform {
	switch runtime.GOOS {
	case "linux":
		return types.PlatformLinux
	case "darwin":
		return types.PlatformMacOS
	case "windows":
		return types.PlatformWindows
	default:
		return types.PlatformUnknown
	}
}
