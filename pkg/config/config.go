package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from the config file,
// environment variables, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range LeaderOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range AgentOptions {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetd/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// Environment variables are prefixed with FLEET_ and use
	// underscores in place of dots (e.g. FLEET_LEADER_ADDRESS).
	v.SetEnvPrefix("FLEET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The bare names the join script prints are read as well; the
	// FLEET_-prefixed form wins when both are set.
	for key, name := range map[string]string{
		keyAgentLeaderURL:   "LEADER_URL",
		keyAgentNodeSecret:  "NODE_SECRET",
		keyAgentHostname:    "NODE_HOSTNAME",
		keyAgentVPNAddress:  "VPN_ADDRESS",
		keyLeaderVPNAddress: "VPN_ADDRESS",
	} {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", name, err)
		}
	}

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", o.Flag, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Leader-mode accessors
// ---------------------------------------------------------------------------

func (c *Config) LeaderAddress() string             { return c.v.GetString(keyLeaderAddress) }
func (c *Config) LeaderDataDir() string             { return c.v.GetString(keyLeaderDataDir) }
func (c *Config) LeaderVPNAddress() string          { return c.v.GetString(keyLeaderVPNAddress) }
func (c *Config) LeaderVPNCommand() string          { return c.v.GetString(keyLeaderVPNCommand) }
func (c *Config) LeaderMasterSecret() string        { return c.v.GetString(keyLeaderMasterSecret) }
func (c *Config) LeaderOperatorToken() string       { return c.v.GetString(keyLeaderOperatorToken) }
func (c *Config) LeaderAgentPort() int              { return c.v.GetInt(keyLeaderAgentPort) }
func (c *Config) LeaderStaleAfter() time.Duration   { return c.v.GetDuration(keyLeaderStaleAfter) }
func (c *Config) LeaderReapInterval() time.Duration { return c.v.GetDuration(keyLeaderReapInterval) }

// ---------------------------------------------------------------------------
// Agent-mode accessors
// ---------------------------------------------------------------------------

func (c *Config) AgentHostname() string   { return c.v.GetString(keyAgentHostname) }
func (c *Config) AgentVPNAddress() string { return c.v.GetString(keyAgentVPNAddress) }
func (c *Config) AgentLeaderURL() string  { return c.v.GetString(keyAgentLeaderURL) }
func (c *Config) AgentJoinToken() string  { return c.v.GetString(keyAgentJoinToken) }
func (c *Config) AgentNodeSecret() string { return c.v.GetString(keyAgentNodeSecret) }
func (c *Config) AgentDataDir() string    { return c.v.GetString(keyAgentDataDir) }
func (c *Config) AgentAddress() string    { return c.v.GetString(keyAgentAddress) }
func (c *Config) AgentHeartbeatPeriod() time.Duration {
	return c.v.GetDuration(keyAgentHeartbeatPeriod)
}
func (c *Config) AgentContainerdSocket() string { return c.v.GetString(keyAgentContainerdSock) }
func (c *Config) AgentContainerLogDir() string  { return c.v.GetString(keyAgentContainerLogDir) }
func (c *Config) AgentLeaderEligible() bool     { return c.v.GetBool(keyAgentLeaderEligible) }
