// ABOUTME: Agent process configuration: relay endpoint, database, audit log
// ABOUTME: Command-line flags may override any of the connection settings after loading

package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 30 * time.Second
	DefaultMaxInFlight  = 32
)

// AgentConfig is the complete dbrelay-agent configuration
type AgentConfig struct {
	Relay    AgentRelayConfig `yaml:"relay" toml:"relay"`
	Database DatabaseConfig   `yaml:"database" toml:"database"`
	Audit    AuditConfig      `yaml:"audit" toml:"audit"`
	Logging  LoggingConfig    `yaml:"logging" toml:"logging"`
}

// AgentRelayConfig says where the relay is and how to authenticate to it.
type AgentRelayConfig struct {
	URL         string `yaml:"url" toml:"url"`
	Token       string `yaml:"token" toml:"token"`
	MaxInFlight int    `yaml:"max_in_flight" toml:"max_in_flight"`

	ReconnectMin time.Duration `yaml:"-" toml:"-"`
	ReconnectMax time.Duration `yaml:"-" toml:"-"`

	ReconnectMinRaw string `yaml:"reconnect_min" toml:"reconnect_min"`
	ReconnectMaxRaw string `yaml:"reconnect_max" toml:"reconnect_max"`
}

// DatabaseConfig identifies the customer database the agent serves.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn" toml:"dsn"`
	Schema string `yaml:"schema" toml:"schema"` // postgres only, default "public"
}

// AuditConfig enables the local SQLite audit log. An empty Path logs audits instead.
type AuditConfig struct {
	Path string `yaml:"path" toml:"path"`

	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// AgentOverrides are command-line values that replace file values when set.
type AgentOverrides struct {
	RelayURL string
	Token    string
	Driver   string
	DSN      string
}

// LoadAgent reads an agent configuration file. A missing file is not an error when
// allowMissing is set, so an agent can be configured entirely by flags.
func LoadAgent(path string, allowMissing bool, o AgentOverrides) (*AgentConfig, error) {
	var cfg AgentConfig
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			if !allowMissing || !isNotExist(err) {
				return nil, err
			}
		}
	}

	cfg.apply(o)

	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) apply(o AgentOverrides) {
	if o.RelayURL != "" {
		c.Relay.URL = o.RelayURL
	}
	if o.Token != "" {
		c.Relay.Token = o.Token
	}
	if o.Driver != "" {
		c.Database.Driver = o.Driver
	}
	if o.DSN != "" {
		c.Database.DSN = o.DSN
	}
}

func (c *AgentConfig) applyDefaults() error {
	if c.Relay.MaxInFlight == 0 {
		c.Relay.MaxInFlight = DefaultMaxInFlight
	}
	if c.Database.Driver == "postgres" && c.Database.Schema == "" {
		c.Database.Schema = "public"
	}
	if err := parseDuration("relay.reconnect_min", c.Relay.ReconnectMinRaw, DefaultReconnectMin, &c.Relay.ReconnectMin); err != nil {
		return err
	}
	if err := parseDuration("relay.reconnect_max", c.Relay.ReconnectMaxRaw, DefaultReconnectMax, &c.Relay.ReconnectMax); err != nil {
		return err
	}
	// Zero retention keeps audit entries forever.
	if c.Audit.RetentionRaw != "" {
		return parseDuration("audit.retention", c.Audit.RetentionRaw, 0, &c.Audit.Retention)
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
func (c *AgentConfig) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	u, err := url.Parse(c.Relay.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("relay.url must be a ws:// or wss:// URL, got %q", c.Relay.URL)
	}
	if c.Relay.Token == "" {
		return fmt.Errorf("relay.token is required")
	}
	if c.Relay.ReconnectMax < c.Relay.ReconnectMin {
		return fmt.Errorf("relay.reconnect_max must not be less than relay.reconnect_min")
	}
	if c.Relay.MaxInFlight < 0 {
		return fmt.Errorf("relay.max_in_flight must not be negative")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	case "":
		return fmt.Errorf("database.driver is required")
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
