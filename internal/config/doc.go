// Package config handles configuration loading for dbrelay and dbrelay-agent.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion. Durations are written as
// strings and parsed after decoding; unset values take the defaults below.
//
// # Configuration File
//
// DefaultPath resolves, in order:
//
//  1. Path from the binary's environment variable (DBRELAY_CONFIG or DBRELAY_AGENT_CONFIG)
//  2. $XDG_CONFIG_HOME/dbrelay/<name>
//  3. ~/.config/dbrelay/<name>
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  identity_secret: "${DBRELAY_IDENTITY_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Relay
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # agent websocket, command API, health
//	  grpc_addr: "0.0.0.0:50051"  # optional grpc.health.v1 service
//
//	auth:
//	  identity_secret: "${DBRELAY_IDENTITY_SECRET}"  # required
//	  token_authority_url: "https://control.example.com"
//	  # or: jwt_secret: "${DBRELAY_JWT_SECRET}"
//	  trust_ttl: "5m"
//	  trust_max_entries: 10000
//	  authority_timeout: "10s"
//
//	relay:
//	  max_connections: 5000
//	  max_pending: 10000
//	  request_timeout: "600s"
//	  handshake_timeout: "30s"
//	  ping_interval: "30s"
//	  max_message_bytes: 16777216
//	  max_protocol_errors: 5
//
//	tailscale:
//	  enabled: false
//	  hostname: "dbrelay"
//	  auth_key: "${TS_AUTHKEY}"
//
// # Agent
//
//	relay:
//	  url: "wss://relay.example.com/agent"
//	  token: "${DBRELAY_TOKEN}"
//	  reconnect_min: "1s"
//	  reconnect_max: "30s"
//
//	database:
//	  driver: "postgres"  # sqlite, postgres
//	  dsn: "${DATABASE_URL}"
//	  schema: "public"
//
//	audit:
//	  path: "/var/lib/dbrelay/audit.db"  # empty logs audits instead
//	  retention: "720h"
//
// Both binaries accept:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
