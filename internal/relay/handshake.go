// ABOUTME: Per-connection state machine: Connecting, Authenticating, Bound, Closed.
// ABOUTME: Reads the handshake, registers and acks the identity, then matches replies to pending requests.

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/dbrelay/internal/agent"
	"github.com/2389/dbrelay/internal/protocol"
)

// Conn is an agent transport that can also be read from. *protocol.WSConn satisfies it.
type Conn interface {
	agent.Transport
	Read(ctx context.Context) ([]byte, error)
}

// pinger is implemented by transports that support liveness checks.
type pinger interface {
	Ping(ctx context.Context) error
}

// HandleAgent runs one agent connection until it closes. It returns nil when the
// connection ends normally after binding.
func (r *Relay) HandleAgent(ctx context.Context, conn Conn) error {
	// Connecting: nothing is known about the peer until its first message.
	hctx, cancel := context.WithTimeout(ctx, r.handshakeTimeout)
	data, err := conn.Read(hctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = conn.Close(protocol.CloseProtocolViolation, "handshake timeout")
		}
		return err
	}

	env, err := protocol.Decode(data)
	if err != nil || env.OperationType != protocol.OpInitialHandshake || env.ConnectionIdentity == "" {
		r.logger.Warn("rejecting agent: bad handshake", "error", err)
		_ = conn.Close(protocol.CloseProtocolViolation, protocol.ReasonBadHandshake)
		return ErrBadHandshake
	}

	if r.closing.Load() {
		_ = conn.Close(protocol.CloseShutdown, protocol.ReasonShutdown)
		return ErrShuttingDown
	}

	// Authenticating: a rejected token ends the attempt before any identity exists.
	identity, err := r.Authenticate(ctx, env.ConnectionIdentity)
	if err != nil {
		if errors.Is(err, ErrAuthorityUnavailable) {
			r.logger.Warn("deferring agent: token authority unavailable", "error", err)
			_ = conn.Close(protocol.CloseAuthorityUnavailable, protocol.ReasonAuthorityUnavailable)
			return err
		}
		r.logger.Warn("rejecting agent: connection token rejected")
		_ = conn.Close(protocol.CloseTokenRejected, protocol.ReasonTokenRejected)
		return err
	}

	// Bound.
	logger := r.logger.With("connection_id", identity)
	handle := agent.NewConnection(identity, conn, logger)
	r.connections.Register(identity, handle)
	defer func() {
		// Closed: only drop the entry if a newer socket has not taken it over.
		handle.MarkClosed()
		r.connections.RemoveIf(identity, handle)
	}()

	// Shutdown may have swept the registry between the check above and Register.
	if r.closing.Load() {
		_ = handle.Close(protocol.CloseShutdown, protocol.ReasonShutdown)
		return ErrShuttingDown
	}

	actx, cancel := context.WithTimeout(ctx, r.handshakeTimeout)
	err = handle.Send(actx, protocol.HandshakeAccepted())
	cancel()
	if err != nil {
		logger.Info("acknowledging handshake failed", "error", err)
		return err
	}

	lctx, stop := context.WithCancel(ctx)
	defer stop()
	if p, ok := conn.(pinger); ok && r.pingInterval > 0 {
		go r.keepAlive(lctx, p, handle, logger)
	}

	return r.readLoop(lctx, conn, handle, logger)
}

// keepAlive pings the agent every pingInterval and closes the handle when a ping goes
// unanswered. This also reaps a socket whose registry entry was taken over by a newer one.
func (r *Relay) keepAlive(ctx context.Context, p pinger, handle *agent.Connection, logger *slog.Logger) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, r.pingInterval)
		err := p.Ping(pctx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		logger.Info("agent did not answer ping, closing transport", "error", err)
		_ = handle.Close(protocol.CloseUnresponsive, protocol.ReasonUnresponsive)
		return
	}
}

func (r *Relay) readLoop(ctx context.Context, conn Conn, handle *agent.Connection, logger *slog.Logger) error {
	malformed := 0
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if isNormalClose(ctx, err) {
				logger.Debug("agent transport closed", "reason", protocol.DescribeClose(err))
				return nil
			}
			logger.Info("agent transport lost", "error", protocol.DescribeClose(err))
			return err
		}

		env, err := protocol.Decode(data)
		if err == nil && env.OperationType == protocol.OpDataFromAgent && env.RequestID != "" {
			malformed = 0
			if !r.pending.ResolveFrom(handle.Identity, env.RequestID, env.Payload) {
				logger.Debug("reply for unknown or already resolved request", "request_id", env.RequestID)
			}
			continue
		}

		malformed++
		if err != nil {
			logger.Warn("dropping malformed envelope", "error", err, "consecutive", malformed)
		} else {
			logger.Warn("dropping unexpected envelope",
				"operation", env.OperationType,
				"request_id", env.RequestID,
				"consecutive", malformed,
			)
		}
		if malformed >= r.maxProtocolErrors {
			_ = handle.Close(protocol.CloseProtocolViolation, protocol.ReasonTooManyErrors)
			return ErrProtocolViolation
		}
	}
}

func isNormalClose(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
