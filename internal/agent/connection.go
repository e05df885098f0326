// ABOUTME: Represents a single bound agent and the duplex transport it holds open.
// ABOUTME: Tracks open/closed state so the registry and relay never write to a dead socket.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/dbrelay/internal/protocol"
)

// ErrConnectionClosed is returned when sending on a connection that has been closed.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the persistent duplex link to one agent.
// Send must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	Close(code websocket.StatusCode, reason string) error
}

// Connection is the transport handle registered under a connection identity.
type Connection struct {
	ID          string // per-socket id for logs, distinct across reconnects
	Identity    string
	ConnectedAt time.Time

	transport Transport
	closed    atomic.Bool
	logger    *slog.Logger
}

// NewConnection wraps transport for the given identity.
func NewConnection(identity string, transport Transport, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Connection{
		ID:          id,
		Identity:    identity,
		ConnectedAt: time.Now(),
		transport:   transport,
		logger:      logger.With("conn_id", id),
	}
}

// Send writes env to the agent. A failed write marks the connection closed.
func (c *Connection) Send(ctx context.Context, env *protocol.Envelope) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.transport.Send(ctx, env); err != nil {
		c.MarkClosed()
		return fmt.Errorf("sending %s: %w", env.OperationType, err)
	}
	return nil
}

// IsOpen reports whether the connection can still carry messages.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// MarkClosed records that the transport is gone without writing to it.
// Used when the read side observes the close.
func (c *Connection) MarkClosed() {
	c.closed.Store(true)
}

// Close closes the transport with the given status. Only the first call writes a close frame.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Debug("closing agent transport", "code", int(code), "reason", reason)
	return c.transport.Close(code, reason)
}
