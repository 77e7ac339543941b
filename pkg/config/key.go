// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix FLEET_)
//  3. Config file (config.yaml in . or /etc/fleetd/)
//  4. Compiled defaults
package config

// Viper keys for leader-mode configuration.
const (
	keyLeaderAddress       = "leader.address"
	keyLeaderDataDir       = "leader.data_dir"
	keyLeaderVPNAddress    = "leader.vpn_address"
	keyLeaderVPNCommand    = "leader.vpn_command"
	keyLeaderMasterSecret  = "leader.master_secret"
	keyLeaderOperatorToken = "leader.operator_token"
	keyLeaderAgentPort     = "leader.agent_port"
	keyLeaderStaleAfter    = "leader.stale_after"
	keyLeaderReapInterval  = "leader.reap_interval"
)

// Viper keys for agent-mode configuration.
const (
	keyAgentHostname        = "agent.hostname"
	keyAgentVPNAddress      = "agent.vpn_address"
	keyAgentLeaderURL       = "agent.leader_url"
	keyAgentJoinToken       = "agent.join_token"
	keyAgentNodeSecret      = "agent.node_secret"
	keyAgentDataDir         = "agent.data_dir"
	keyAgentAddress         = "agent.address"
	keyAgentHeartbeatPeriod = "agent.heartbeat_period"
	keyAgentContainerdSock  = "agent.containerd_socket"
	keyAgentContainerLogDir = "agent.container_log_dir"
	keyAgentLeaderEligible  = "agent.leader_eligible"
)
