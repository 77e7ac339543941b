package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// LeaderOptions defines the configuration entries available to
// cmd/fleet-leader.
var LeaderOptions = []Option{
	{Key: keyLeaderAddress, Flag: toFlag(keyLeaderAddress), Default: ":7700", Description: "leader control-plane listen address"},
	{Key: keyLeaderDataDir, Flag: toFlag(keyLeaderDataDir), Default: "/var/lib/fleetd", Description: "directory for the bbolt database and credential blobs"},
	{Key: keyLeaderVPNAddress, Flag: toFlag(keyLeaderVPNAddress), Default: "", Description: "this leader's own mesh VPN address, used to exclude itself from peer discovery"},
	{Key: keyLeaderVPNCommand, Flag: toFlag(keyLeaderVPNCommand), Default: "tailscale", Description: "CLI binary shelled out to for mesh VPN peer discovery"},
	{Key: keyLeaderMasterSecret, Flag: toFlag(keyLeaderMasterSecret), Default: "", Description: "master secret CryptoVault derives its key from (required)"},
	{Key: keyLeaderOperatorToken, Flag: toFlag(keyLeaderOperatorToken), Default: "", Description: "bearer token operators present on authenticated routes (required)"},
	{Key: keyLeaderAgentPort, Flag: toFlag(keyLeaderAgentPort), Default: 8444, Description: "port the worker control API listens on over the mesh VPN"},
	{Key: keyLeaderStaleAfter, Flag: toFlag(keyLeaderStaleAfter), Default: 60 * time.Second, Description: "mark a worker offline after this long without a heartbeat"},
	{Key: keyLeaderReapInterval, Flag: toFlag(keyLeaderReapInterval), Default: 30 * time.Second, Description: "how often the stale reaper sweeps for offline workers"},
}

// AgentOptions defines the configuration entries available to
// cmd/fleet-agent.
var AgentOptions = []Option{
	{Key: keyAgentHostname, Flag: toFlag(keyAgentHostname), Default: "", Description: "hostname this agent registers under (default: OS hostname)"},
	{Key: keyAgentVPNAddress, Flag: toFlag(keyAgentVPNAddress), Default: "", Description: "this worker's mesh VPN address, reachable by the leader"},
	{Key: keyAgentLeaderURL, Flag: toFlag(keyAgentLeaderURL), Default: "", Description: "leader control-plane URL (required)"},
	{Key: keyAgentJoinToken, Flag: toFlag(keyAgentJoinToken), Default: "", Description: "join token issued by the leader (used on first join, to mint a node secret)"},
	{Key: keyAgentNodeSecret, Flag: toFlag(keyAgentNodeSecret), Default: "", Description: "worker secret issued by the leader at registration (skips --join-token if set)"},
	{Key: keyAgentDataDir, Flag: toFlag(keyAgentDataDir), Default: "/var/lib/fleetd-agent", Description: "directory for the agent's local state"},
	{Key: keyAgentAddress, Flag: toFlag(keyAgentAddress), Default: ":8444", Description: "agent control API listen address"},
	{Key: keyAgentHeartbeatPeriod, Flag: toFlag(keyAgentHeartbeatPeriod), Default: 15 * time.Second, Description: "interval between heartbeats sent to the leader"},
	{Key: keyAgentContainerdSock, Flag: toFlag(keyAgentContainerdSock), Default: "/run/containerd/containerd.sock", Description: "containerd socket path"},
	{Key: keyAgentContainerLogDir, Flag: toFlag(keyAgentContainerLogDir), Default: "/var/lib/fleetd-agent/logs", Description: "directory container stdout/stderr logs are written to"},
	{Key: keyAgentLeaderEligible, Flag: toFlag(keyAgentLeaderEligible), Default: false, Description: "advertise this worker as eligible to be promoted to leader"},
}

// toFlag converts a viper key like "leader.stale_after" into a CLI
// flag like "stale-after" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the section prefix
// ("leader-" or "agent-") the key itself starts with. Only the
// matching section prefix is stripped, so a key like
// "leader.agent_port" becomes "agent-port", not "port".
func toFlag(key string) string {
	_, rest, found := strings.Cut(key, ".")
	if !found {
		rest = key
	}
	flag := strings.ToLower(rest)
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}
