// Package agent tracks the agents bound to this relay.
//
// # Registry
//
// The Registry maps a connection identity to the one Connection currently
// serving it:
//
//	reg := agent.NewRegistry(cfg.Relay.MaxConnections, logger)
//
// Key operations:
//
//   - Register(identity, conn): make conn current. An existing handle, open or
//     closed, is replaced; the newest handshake is authoritative.
//   - Lookup(identity): current handle, refreshing its recency.
//   - Remove(identity): unconditional removal.
//   - RemoveIf(identity, conn): removal only while conn is still current.
//   - CloseAll(code, reason): shutdown.
//
// The table is bounded. When full, the least recently used identity is evicted
// and its transport closed with status 1013 so the agent reconnects elsewhere
// or later rather than holding a socket nobody can address.
//
// # Connection
//
// Connection wraps a Transport (the websocket in production, an in-memory fake
// in tests) with an open/closed flag. Sends on a closed connection fail fast
// with ErrConnectionClosed.
//
// # Thread Safety
//
// Registry guards its map with a mutex and never performs transport I/O while
// holding it. Connection state is atomic.
package agent
