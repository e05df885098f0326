// ABOUTME: Relay server configuration: listeners, token trust, registry limits
// ABOUTME: Raw duration strings are parsed after decoding and defaults filled in

package config

import (
	"fmt"
	"net/url"
	"time"
)

// Relay defaults, mirrored by the packages that consume them.
const (
	DefaultTrustTTL          = 5 * time.Minute
	DefaultTrustMaxEntries   = 10_000
	DefaultAuthorityTimeout  = 10 * time.Second
	DefaultMaxConnections    = 5000
	DefaultMaxPending        = 10_000
	DefaultRequestTimeout    = 600 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultMaxMessageBytes   = 16 << 20
	DefaultMaxProtocolErrors = 5
)

// RelayConfig is the complete dbrelay server configuration
type RelayConfig struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Relay     LimitsConfig    `yaml:"relay" toml:"relay"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses. GRPCAddr is optional and only serves health checks.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig selects the token authority and keys the identity derivation.
// Exactly one of TokenAuthorityURL and JWTSecret must be set.
type AuthConfig struct {
	IdentitySecret    string `yaml:"identity_secret" toml:"identity_secret"`
	TokenAuthorityURL string `yaml:"token_authority_url" toml:"token_authority_url"`
	JWTSecret         string `yaml:"jwt_secret" toml:"jwt_secret"`
	TrustMaxEntries   int    `yaml:"trust_max_entries" toml:"trust_max_entries"`

	TrustTTL         time.Duration `yaml:"-" toml:"-"`
	AuthorityTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for decoding
	TrustTTLRaw         string `yaml:"trust_ttl" toml:"trust_ttl"`
	AuthorityTimeoutRaw string `yaml:"authority_timeout" toml:"authority_timeout"`
}

// LimitsConfig bounds the relay's registries and agent transports.
type LimitsConfig struct {
	MaxConnections    int   `yaml:"max_connections" toml:"max_connections"`
	MaxPending        int   `yaml:"max_pending" toml:"max_pending"`
	MaxMessageBytes   int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`
	MaxProtocolErrors int   `yaml:"max_protocol_errors" toml:"max_protocol_errors"`

	RequestTimeout   time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	PingInterval     time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw   string `yaml:"request_timeout" toml:"request_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	PingIntervalRaw     string `yaml:"ping_interval" toml:"ping_interval"`
}

// LoadRelay reads a relay configuration file. Environment variables in the format
// ${VAR_NAME} are expanded, durations parsed, defaults applied and the result validated.
func LoadRelay(path string) (*RelayConfig, error) {
	var cfg RelayConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *RelayConfig) applyDefaults() error {
	if c.Auth.TrustMaxEntries == 0 {
		c.Auth.TrustMaxEntries = DefaultTrustMaxEntries
	}
	if c.Relay.MaxConnections == 0 {
		c.Relay.MaxConnections = DefaultMaxConnections
	}
	if c.Relay.MaxPending == 0 {
		c.Relay.MaxPending = DefaultMaxPending
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Relay.MaxProtocolErrors == 0 {
		c.Relay.MaxProtocolErrors = DefaultMaxProtocolErrors
	}

	if err := parseDuration("auth.trust_ttl", c.Auth.TrustTTLRaw, DefaultTrustTTL, &c.Auth.TrustTTL); err != nil {
		return err
	}
	if err := parseDuration("auth.authority_timeout", c.Auth.AuthorityTimeoutRaw, DefaultAuthorityTimeout, &c.Auth.AuthorityTimeout); err != nil {
		return err
	}
	if err := parseDuration("relay.request_timeout", c.Relay.RequestTimeoutRaw, DefaultRequestTimeout, &c.Relay.RequestTimeout); err != nil {
		return err
	}
	if err := parseDuration("relay.handshake_timeout", c.Relay.HandshakeTimeoutRaw, DefaultHandshakeTimeout, &c.Relay.HandshakeTimeout); err != nil {
		return err
	}
	return parseDuration("relay.ping_interval", c.Relay.PingIntervalRaw, DefaultPingInterval, &c.Relay.PingInterval)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *RelayConfig) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.IdentitySecret == "" {
		return fmt.Errorf("auth.identity_secret is required")
	}
	switch {
	case c.Auth.TokenAuthorityURL == "" && c.Auth.JWTSecret == "":
		return fmt.Errorf("one of auth.token_authority_url or auth.jwt_secret is required")
	case c.Auth.TokenAuthorityURL != "" && c.Auth.JWTSecret != "":
		return fmt.Errorf("auth.token_authority_url and auth.jwt_secret are mutually exclusive")
	case c.Auth.TokenAuthorityURL != "":
		u, err := url.Parse(c.Auth.TokenAuthorityURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("auth.token_authority_url must be an http(s) URL, got %q", c.Auth.TokenAuthorityURL)
		}
	}

	if c.Auth.TrustMaxEntries < 0 || c.Relay.MaxConnections < 0 || c.Relay.MaxPending < 0 {
		return fmt.Errorf("capacities must not be negative")
	}
	if c.Relay.MaxMessageBytes < 0 || c.Relay.MaxProtocolErrors < 0 {
		return fmt.Errorf("relay.max_message_bytes and relay.max_protocol_errors must not be negative")
	}
	return nil
}
