// ABOUTME: Bounded table of connection identity to live transport handle.
// ABOUTME: Last handshake wins; least recently used entries are evicted at capacity.

package agent

import (
	"container/list"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/dbrelay/internal/protocol"
)

// DefaultMaxConnections is the registry capacity when none is configured.
const DefaultMaxConnections = 5000

type registryEntry struct {
	identity string
	conn     *Connection
}

// Registry holds at most one current Connection per identity.
// Uses a doubly-linked list ordered by recency, most recent at front.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	capacity int
	logger   *slog.Logger
}

// NewRegistry creates a registry holding up to capacity connections.
func NewRegistry(capacity int, logger *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultMaxConnections
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		logger:   logger,
	}
}

// Register makes conn the current handle for identity, replacing whatever was there.
// A replaced handle is abandoned, not closed: replies already in flight on it still
// resolve, and it closes when its peer leaves or stops answering pings. If the table
// is full the least recently used entry is evicted and its handle closed.
func (r *Registry) Register(identity string, conn *Connection) {
	var evicted *Connection

	r.mu.Lock()
	if elem, ok := r.entries[identity]; ok {
		entry := elem.Value.(*registryEntry)
		prev := entry.conn
		entry.conn = conn
		r.order.MoveToFront(elem)
		total := r.order.Len()
		r.mu.Unlock()

		if prev != conn {
			r.logger.Info("=== AGENT RECONNECTED ===",
				"connection_id", identity,
				"previous_open", prev.IsOpen(),
				"total_agents", total,
			)
		}
		return
	}

	r.entries[identity] = r.order.PushFront(&registryEntry{identity: identity, conn: conn})
	if r.order.Len() > r.capacity {
		evicted = r.removeOldestLocked()
	}
	total := r.order.Len()
	r.mu.Unlock()

	r.logger.Info("=== AGENT CONNECTED ===",
		"connection_id", identity,
		"total_agents", total,
	)

	if evicted != nil {
		r.logger.Warn("connection registry full, evicting least recently used agent",
			"connection_id", evicted.Identity,
		)
		if err := evicted.Close(protocol.CloseEvicted, protocol.ReasonEvicted); err != nil {
			r.logger.Debug("closing evicted transport", "error", err)
		}
	}
}

// Lookup returns the current handle for identity and marks it recently used.
func (r *Registry) Lookup(identity string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(elem)
	return elem.Value.(*registryEntry).conn, true
}

// Remove drops identity from the table. It reports whether an entry existed.
func (r *Registry) Remove(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.entries[identity]
	if !ok {
		return false
	}
	r.order.Remove(elem)
	delete(r.entries, identity)
	return true
}

// RemoveIf drops identity only while it still points at conn, so a closing socket
// cannot unregister the newer socket that superseded it.
func (r *Registry) RemoveIf(identity string, conn *Connection) bool {
	r.mu.Lock()
	elem, ok := r.entries[identity]
	if !ok || elem.Value.(*registryEntry).conn != conn {
		r.mu.Unlock()
		return false
	}
	r.order.Remove(elem)
	delete(r.entries, identity)
	total := r.order.Len()
	r.mu.Unlock()

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"connection_id", identity,
		"total_agents", total,
	)
	return true
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// CloseAll empties the registry and closes every handle with code.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) {
	r.mu.Lock()
	conns := make([]*Connection, 0, r.order.Len())
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		conns = append(conns, elem.Value.(*registryEntry).conn)
	}
	r.entries = make(map[string]*list.Element)
	r.order.Init()
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(code, reason); err != nil {
			r.logger.Debug("closing agent transport", "connection_id", conn.Identity, "error", err)
		}
	}
}

// removeOldestLocked unlinks the least recently used entry. Must be called with mu held.
func (r *Registry) removeOldestLocked() *Connection {
	back := r.order.Back()
	if back == nil {
		return nil
	}
	entry := back.Value.(*registryEntry)
	r.order.Remove(back)
	delete(r.entries, entry.identity)
	return entry.conn
}
