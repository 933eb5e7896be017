// Package config defines the runtime configuration surface: distribution
// mode, cluster membership policy, and the timeout defaults applied to
// workers and placement. Configuration is loaded from YAML and validated
// eagerly; an invalid configuration fails startup rather than surfacing
// later as misbehavior.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how workers are placed.
type Mode string

const (
	// ModeLocal runs every worker in this process.
	ModeLocal Mode = "local"
	// ModeClustered shares placement across nodes through Redis.
	ModeClustered Mode = "clustered"
)

// MemberPolicy selects how cluster members are discovered.
type MemberPolicy string

const (
	// MembersAuto discovers members through the replicated registry.
	MembersAuto MemberPolicy = "auto"
	// MembersStatic uses the explicit member list.
	MembersStatic MemberPolicy = "static"
	// MembersRegion restricts auto discovery to members of one region.
	MembersRegion MemberPolicy = "region"
)

type (
	// Config is the full runtime configuration.
	Config struct {
		// Distribution selects local or clustered placement.
		Distribution Distribution `yaml:"distribution"`
		// Defaults are the runtime timeout and bound defaults.
		Defaults Defaults `yaml:"defaults"`
	}

	// Distribution configures worker placement.
	Distribution struct {
		// Mode is local or clustered. Defaults to local.
		Mode Mode `yaml:"mode"`
		// Node is this process's member name. Required when clustered.
		Node string `yaml:"node"`
		// Redis configures the connection Pulse uses. Required when
		// clustered.
		Redis Redis `yaml:"redis"`
		// Members configures member discovery. Defaults to auto.
		Members Members `yaml:"members"`
	}

	// Redis is the Redis connection configuration.
	Redis struct {
		// Addr is the host:port of the Redis server.
		Addr string `yaml:"addr"`
		// Password is the optional auth password.
		Password string `yaml:"password"`
		// DB is the database number.
		DB int `yaml:"db"`
	}

	// Members configures cluster member discovery. Discovery functions are a
	// programmatic concern; file-based configuration covers auto, static and
	// region policies.
	Members struct {
		// Policy is auto, static, or region.
		Policy MemberPolicy `yaml:"policy"`
		// List is the explicit member list for the static policy.
		List []string `yaml:"list"`
		// Region restricts discovery for the region policy.
		Region string `yaml:"region"`
	}

	// Defaults are the runtime-wide defaults applied where per-agent options
	// leave a value unset.
	Defaults struct {
		// InactivityTimeout shuts idle workers down. Defaults to 5m.
		InactivityTimeout Duration `yaml:"inactivity_timeout"`
		// MaxRuns bounds LLM calls per pipeline run. Defaults to 50.
		MaxRuns int `yaml:"max_runs"`
		// PresenceGrace is the zero-viewer wait before shutdown. Defaults
		// to 5s.
		PresenceGrace Duration `yaml:"presence_grace"`
		// StartTimeout is the placement registration deadline. Defaults
		// to 5s.
		StartTimeout Duration `yaml:"start_timeout"`
	}

	// Duration is a time.Duration that unmarshals from YAML strings such as
	// "30s" or "5m".
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Distribution.Mode == "" {
		c.Distribution.Mode = ModeLocal
	}
	if c.Distribution.Members.Policy == "" {
		c.Distribution.Members.Policy = MembersAuto
	}
	if c.Defaults.InactivityTimeout == 0 {
		c.Defaults.InactivityTimeout = Duration(5 * time.Minute)
	}
	if c.Defaults.MaxRuns == 0 {
		c.Defaults.MaxRuns = 50
	}
	if c.Defaults.PresenceGrace == 0 {
		c.Defaults.PresenceGrace = Duration(5 * time.Second)
	}
	if c.Defaults.StartTimeout == 0 {
		c.Defaults.StartTimeout = Duration(5 * time.Second)
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Distribution.Mode {
	case ModeLocal:
	case ModeClustered:
		if c.Distribution.Redis.Addr == "" {
			return fmt.Errorf("config: clustered mode requires a redis address")
		}
		if c.Distribution.Node == "" {
			return fmt.Errorf("config: clustered mode requires a node name")
		}
	default:
		return fmt.Errorf("config: unknown distribution mode %q", c.Distribution.Mode)
	}

	switch c.Distribution.Members.Policy {
	case MembersAuto:
	case MembersStatic:
		if len(c.Distribution.Members.List) == 0 {
			return fmt.Errorf("config: static member policy requires a member list")
		}
		for _, m := range c.Distribution.Members.List {
			if m == "" {
				return fmt.Errorf("config: static member list contains an empty name")
			}
		}
	case MembersRegion:
		if c.Distribution.Members.Region == "" {
			return fmt.Errorf("config: region member policy requires a region")
		}
	default:
		return fmt.Errorf("config: unknown member policy %q", c.Distribution.Members.Policy)
	}

	if c.Defaults.InactivityTimeout < 0 || c.Defaults.PresenceGrace < 0 || c.Defaults.StartTimeout < 0 {
		return fmt.Errorf("config: timeout defaults must not be negative")
	}
	if c.Defaults.MaxRuns < 0 {
		return fmt.Errorf("config: max_runs must not be negative")
	}
	return nil
}

// Clustered reports whether clustered placement is selected.
func (c *Config) Clustered() bool { return c.Distribution.Mode == ModeClustered }
