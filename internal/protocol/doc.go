// Package protocol defines the wire format spoken between the relay and its agents.
//
// # Envelope
//
// Every message on an agent transport is a JSON-encoded Envelope:
//
//	{"operationType": "...", "connectionIdentity": "...", "requestId": "...", "payload": {...}}
//
// The first message an agent sends must be an initial-handshake envelope carrying the
// raw connection token in connectionIdentity. Once the token is accepted the relay
// replies with handshake-accepted. Afterwards the relay forwards command
// envelopes (row operations, introspection, raw queries, ...) and the agent answers each
// one with a data-from-agent envelope that repeats the requestId.
//
// # Close Codes
//
// The relay closes agent transports with a small set of websocket status codes:
//
//   - 1003 (CloseTokenRejected): the handshake token failed verification; do not retry
//   - 1008 (CloseProtocolViolation): the agent broke the handshake or sent repeated garbage
//   - 1013 (CloseEvicted): the connection registry evicted the agent under capacity pressure
//   - 1013 (CloseAuthorityUnavailable): the token authority could not be reached; retry later
//   - 1001 (CloseShutdown): the relay is shutting down
//   - 1001 (CloseUnresponsive): the agent stopped answering pings
package protocol
