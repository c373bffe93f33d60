package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures the runtime settings for the lanfence watcher. The policy
// fields (label, deny list, DNS resolver) are immutable for the lifetime of a
// watcher run.
type Config struct {
	Label        string        `mapstructure:"label"`
	DenyCIDRs    string        `mapstructure:"deny-cidrs"`
	DNSAddr      string        `mapstructure:"dns-addr"`
	DNSPorts     string        `mapstructure:"dns-ports"`
	Chain        string        `mapstructure:"chain"`
	StateDir     string        `mapstructure:"state-dir"`
	StopFile     string        `mapstructure:"stop-file"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	StartupGrace time.Duration `mapstructure:"startup-grace"`
	IdleTimeout  time.Duration `mapstructure:"idle-timeout"`
	MetricsAddr  string        `mapstructure:"metrics-addr"`
	DockerSocket string        `mapstructure:"docker-socket"`
	LogLevel     string        `mapstructure:"log-level"`
}

// Load reads configuration values from viper into a Config instance.
func Load() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to load configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every command depends on. Policy-level
// validation (CIDR syntax, resolver address) happens in the policy package.
func (c Config) Validate() error {
	if c.Label == "" {
		return fmt.Errorf("label cannot be empty")
	}
	if c.Chain == "" {
		return fmt.Errorf("chain cannot be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state-dir cannot be empty")
	}
	if c.StopFile == "" {
		return fmt.Errorf("stop-file cannot be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.StartupGrace <= 0 {
		return fmt.Errorf("startup-grace must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be positive")
	}
	return nil
}
