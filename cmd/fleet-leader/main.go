package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ushadow-io/fleetd/pkg/api"
	"github.com/ushadow-io/fleetd/pkg/client"
	"github.com/ushadow-io/fleetd/pkg/cluster"
	"github.com/ushadow-io/fleetd/pkg/config"
	"github.com/ushadow-io/fleetd/pkg/crypto"
	"github.com/ushadow-io/fleetd/pkg/deployment"
	"github.com/ushadow-io/fleetd/pkg/log"
	"github.com/ushadow-io/fleetd/pkg/reaper"
	"github.com/ushadow-io/fleetd/pkg/storage"
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
		Use:   "fleet-leader",
		Short: "fleet-leader runs the control plane for a fleet of worker agents",
		Long: `fleet-leader is the single coordination process for a fleet of
container workers reachable over a mesh VPN: it issues join tokens,
registers and tracks workers, schedules and relays deployments, and
serves the operator HTTP API.`,
		Version: Version,
	}
	cmd.SetVersionTemplate(fmt.Sprintf(
		"fleet-leader version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.BindFlags(cmd.Flags(), config.LeaderOptions); err != nil {
		fmt.Fprintf(os.Stderr, "Error: bind flags: %v\n", err)
		os.Exit(1)
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runLeader(cmd, cfg)
	}

	cobra.OnInitialize(func() { initLogging(cmd) })
	return cmd
}

func initLogging(cmd *cobra.Command) {
	logLevel, _ := cmd.PersistentFlags().GetString("log-level")
	logJSON, _ := cmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runLeader(cmd *cobra.Command, cfg *config.Config) error {
	hostname := os.Getenv("LEADER_HOSTNAME")
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
		hostname = h
	}

	operatorToken := cfg.LeaderOperatorToken()
	masterSecret := cfg.LeaderMasterSecret()
	if operatorToken == "" {
		return fmt.Errorf("--operator-token is required")
	}
	if masterSecret == "" {
		return fmt.Errorf("--master-secret is required")
	}

	store, err := storage.NewBoltStore(cfg.LeaderDataDir())
	if err != nil {
		return fmt.Errorf("open fleet database: %w", err)
	}
	defer store.Close()

	agents := client.New(cfg.LeaderAgentPort())
	vault := crypto.New(masterSecret)

	manager, err := cluster.New(cluster.Config{
		Hostname:     hostname,
		VPNAddress:   cfg.LeaderVPNAddress(),
		DataDir:      cfg.LeaderDataDir(),
		MasterSecret: masterSecret,
		StaleAfter:   cfg.LeaderStaleAfter(),
		VPNCommand:   cfg.LeaderVPNCommand(),
	}, store, agents)
	if err != nil {
		return fmt.Errorf("start cluster manager: %w", err)
	}

	engine := deployment.New(store, vault, agents, deployment.Config{})
	engine.StartHealthChecks()
	defer engine.Shutdown()

	stale := reaper.New(store, cfg.LeaderReapInterval(), cfg.LeaderStaleAfter())
	stale.Start()
	defer stale.Stop()

	address := cfg.LeaderAddress()
	server := api.New(api.Config{
		Address:       address,
		OperatorToken: operatorToken,
		LeaderPort:    mustPort(address),
		AgentVersion:  Version,
	}, manager, engine, store)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	logger := log.WithComponent("leader")
	logger.Info().Str("address", address).Str("hostname", hostname).Msg("fleet-leader running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("control plane server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// mustPort extracts the numeric port from a bind address for composing
// join/bootstrap URLs; it panics on a malformed address since that is a
// startup-time configuration error.
func mustPort(address string) int {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		panic(fmt.Sprintf("malformed leader address %q: %v", address, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(fmt.Sprintf("malformed leader address %q: %v", address, err))
	}
	return port
}
