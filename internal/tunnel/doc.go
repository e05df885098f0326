// Package tunnel is the agent's outbound connection to the relay.
//
// The agent runs inside the customer network and never accepts inbound
// connections. Client dials the relay, sends initial-handshake carrying its
// connection token, then serves command envelopes until the connection drops:
//
//   - each command runs on its own goroutine, bounded by MaxInFlight
//   - the reply is a data-from-agent envelope echoing the request id
//   - request-abandoned cancels the command's context and drops its reply
//
// When the relay closes with 1003 the token was rejected and Run returns
// ErrTokenRejected. Any other disconnect, 1013 included, is retried with
// exponential backoff (1s doubling to 30s by default). The backoff returns to
// its minimum after any session the relay acknowledged with handshake-accepted.
package tunnel
