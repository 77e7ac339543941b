package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CompiledDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":7700", cfg.LeaderAddress())
	assert.Equal(t, "/var/lib/fleetd", cfg.LeaderDataDir())
	assert.Equal(t, ":8444", cfg.AgentAddress())
	assert.Equal(t, "tailscale", cfg.LeaderVPNCommand())
	assert.Equal(t, 8444, cfg.LeaderAgentPort())
	assert.Equal(t, "", cfg.LeaderOperatorToken())
	assert.False(t, cfg.AgentLeaderEligible())
	assert.Equal(t, "/var/lib/fleetd-agent/logs", cfg.AgentContainerLogDir())
}

func TestBindFlags_LeaderAndAgentNewKeysOverride(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	leaderFlags := pflag.NewFlagSet("leader", pflag.ContinueOnError)
	require.NoError(t, cfg.BindFlags(leaderFlags, LeaderOptions))
	require.NoError(t, leaderFlags.Parse([]string{"--operator-token", "sekret", "--vpn-command", "tailnet-cli", "--agent-port", "9444"}))

	assert.Equal(t, "sekret", cfg.LeaderOperatorToken())
	assert.Equal(t, "tailnet-cli", cfg.LeaderVPNCommand())
	assert.Equal(t, 9444, cfg.LeaderAgentPort())

	agentFlags := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	require.NoError(t, cfg.BindFlags(agentFlags, AgentOptions))
	require.NoError(t, agentFlags.Parse([]string{"--node-secret", "abc123", "--vpn-address", "100.64.0.9", "--leader-eligible"}))

	assert.Equal(t, "abc123", cfg.AgentNodeSecret())
	assert.Equal(t, "100.64.0.9", cfg.AgentVPNAddress())
	assert.True(t, cfg.AgentLeaderEligible())
}

func TestBindFlags_FlagOverridesDefault(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("leader", pflag.ContinueOnError)
	require.NoError(t, cfg.BindFlags(fs, LeaderOptions))
	require.NoError(t, fs.Parse([]string{"--address", ":9999"}))

	assert.Equal(t, ":9999", cfg.LeaderAddress())
}

func TestToFlag(t *testing.T) {
	cases := map[string]string{
		"leader.address":     "address",
		"leader.stale_after": "stale-after",
		"agent.leader_url":   "leader-url",
	}
	for key, want := range cases {
		assert.Equal(t, want, toFlag(key))
	}
}
