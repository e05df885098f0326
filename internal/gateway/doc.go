// Package gateway runs the dbrelay server.
//
// # Overview
//
// Gateway owns the relay and everything in front of it: the token trust chain
// (authority, trust cache, identity deriver), the HTTP server, the optional gRPC
// health server and the optional tailscale node. New wires these from a
// validated config.RelayConfig; Run serves until its context is canceled.
//
// # HTTP Routes
//
//	GET  /agent        websocket upgrade for agents (see package relay)
//	POST /api/command  forward one command to the caller's agent
//	GET  /health       {"status","connections","pending","uptime_seconds"}
//
// The command API authenticates "Authorization: Bearer <raw connection token>"
// with the same trust chain agents use, so a caller reaches exactly the agent
// that presented the same token. Outcomes map to:
//
//	200  agent result payload, verbatim
//	400  body is not JSON or operationType is not a command
//	401  missing bearer token
//	403  token rejected
//	504  no reply before relay.request_timeout
//	523  no agent connected for the token
//
// # Shutdown
//
// Shutdown closes every agent transport with 1001, releases waiting callers,
// marks gRPC health NOT_SERVING and stops the listeners within a 5s window.
package gateway
