// Package relay pairs callers with the agents that can answer them.
//
// Each agent connection runs through four states:
//
//	Connecting → Authenticating → Bound → Closed
//
// The first message must be an initial-handshake envelope carrying the raw
// connection token. Anything else closes the socket with 1008. A token the
// trust cache does not vouch for closes it with 1003 before an identity is
// derived or registered. If the authority behind the cache cannot answer, the
// socket is closed with 1013 instead so the agent tries again. A trusted token
// is turned into a connection identity with an HMAC and the socket is
// registered under it, replacing any earlier socket for the same identity. The
// relay then sends handshake-accepted.
//
// Bound sockets are pinged every PingInterval. One that does not answer is
// closed with 1001, which is how a socket replaced by a reconnect and then
// left half-open gets reaped. Handshakes that complete after Shutdown are
// closed with 1001 rather than registered.
//
// While bound, data-from-agent envelopes resolve pending requests by id.
// Malformed envelopes are dropped; a run of them closes the socket with 1008.
// When the socket closes its registry entry is removed only if it is still
// the current one.
//
// Callers use Forward (or Execute, which also waits). Forward to an identity
// with no open socket fails at once with ErrNotConnected. Otherwise the command
// is sent with a fresh request id and the caller gets a future that resolves
// with the agent's reply or, after the deadline, with ErrTimeout; the agent is
// then sent request-abandoned for that id.
package relay
