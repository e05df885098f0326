// ABOUTME: Binds agent transports to identities and forwards caller commands to them.
// ABOUTME: Owns the connection and pending registries and the expiry notification path.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/dbrelay/internal/agent"
	"github.com/2389/dbrelay/internal/auth"
	"github.com/2389/dbrelay/internal/pending"
	"github.com/2389/dbrelay/internal/protocol"
	"github.com/2389/dbrelay/internal/trust"
)

// Defaults for Options fields left zero.
const (
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultMaxMessageBytes   = 16 << 20
	DefaultMaxProtocolErrors = 5
	DefaultPingInterval      = 30 * time.Second

	abandonWriteTimeout = 5 * time.Second
)

var (
	// ErrNotConnected is returned when no open transport is bound to the identity.
	ErrNotConnected = errors.New("client not connected")

	// ErrTimeout is the outcome of a forwarded command nobody answered in time.
	ErrTimeout = pending.ErrTimeout

	// ErrTokenRejected is returned for tokens the authority does not vouch for.
	ErrTokenRejected = auth.ErrTokenRejected

	// ErrAuthorityUnavailable is returned when the token authority could not answer.
	// Unlike ErrTokenRejected the agent is expected to try again.
	ErrAuthorityUnavailable = trust.ErrAuthorityUnavailable

	// ErrShuttingDown is returned for handshakes that arrive after Shutdown.
	ErrShuttingDown = errors.New("relay shutting down")

	// ErrBadHandshake is returned when the first message is not a usable handshake.
	ErrBadHandshake = errors.New("bad handshake")

	// ErrProtocolViolation is returned when an agent keeps sending malformed envelopes.
	ErrProtocolViolation = errors.New("protocol violation")
)

// TokenVerifier answers whether a raw token is trusted. An error means no answer could
// be had. *trust.Cache satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (bool, error)
}

// IdentityDeriver maps a raw token to its registry key. *auth.IdentityDeriver satisfies it.
type IdentityDeriver interface {
	Derive(rawToken string) string
}

// Options configures a Relay.
type Options struct {
	Trust       TokenVerifier
	Identities  IdentityDeriver
	Connections *agent.Registry

	// Pending configures the request registry. OnExpire is owned by the relay.
	Pending pending.Config

	HandshakeTimeout  time.Duration
	MaxMessageBytes   int64
	MaxProtocolErrors int

	// PingInterval is how often bound agents are pinged. Negative disables pings.
	PingInterval time.Duration

	Logger *slog.Logger
}

// Relay is the correlation layer between callers and agents.
type Relay struct {
	trust       TokenVerifier
	identities  IdentityDeriver
	connections *agent.Registry
	pending     *pending.Registry

	handshakeTimeout  time.Duration
	maxMessageBytes   int64
	maxProtocolErrors int
	pingInterval      time.Duration

	closing atomic.Bool

	logger *slog.Logger
}

// New creates a Relay.
func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		trust:             opts.Trust,
		identities:        opts.Identities,
		connections:       opts.Connections,
		handshakeTimeout:  opts.HandshakeTimeout,
		maxMessageBytes:   opts.MaxMessageBytes,
		maxProtocolErrors: opts.MaxProtocolErrors,
		pingInterval:      opts.PingInterval,
		logger:            logger,
	}
	if r.connections == nil {
		r.connections = agent.NewRegistry(agent.DefaultMaxConnections, logger.With("component", "connections"))
	}
	if r.handshakeTimeout <= 0 {
		r.handshakeTimeout = DefaultHandshakeTimeout
	}
	if r.maxMessageBytes <= 0 {
		r.maxMessageBytes = DefaultMaxMessageBytes
	}
	if r.maxProtocolErrors <= 0 {
		r.maxProtocolErrors = DefaultMaxProtocolErrors
	}
	if r.pingInterval == 0 {
		r.pingInterval = DefaultPingInterval
	}

	pcfg := opts.Pending
	pcfg.OnExpire = r.notifyAbandoned
	if pcfg.Logger == nil {
		pcfg.Logger = logger.With("component", "pending")
	}
	r.pending = pending.New(pcfg)
	return r
}

// Connections returns the connection registry.
func (r *Relay) Connections() *agent.Registry {
	return r.connections
}

// Pending returns the pending-request registry.
func (r *Relay) Pending() *pending.Registry {
	return r.pending
}

// Authenticate verifies rawToken and returns the identity it maps to. A rejected
// token never reaches the deriver. It returns ErrTokenRejected for a definite no and
// ErrAuthorityUnavailable when the authority could not be asked.
func (r *Relay) Authenticate(ctx context.Context, rawToken string) (string, error) {
	ok, err := r.trust.Verify(ctx, rawToken)
	if err != nil {
		if !errors.Is(err, ErrAuthorityUnavailable) {
			err = fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
		}
		return "", err
	}
	if !ok {
		return "", ErrTokenRejected
	}
	return r.identities.Derive(rawToken), nil
}

// Forward sends a command to the agent bound to identity and returns the future its
// reply will complete. With no open transport it fails immediately with
// ErrNotConnected and nothing is left pending.
func (r *Relay) Forward(ctx context.Context, identity string, op protocol.OperationType, payload json.RawMessage) (*pending.Future, error) {
	conn, ok := r.connections.Lookup(identity)
	if !ok || !conn.IsOpen() {
		return nil, ErrNotConnected
	}

	requestID := uuid.New().String()
	future, err := r.pending.Create(requestID, identity)
	if err != nil {
		return nil, fmt.Errorf("registering request: %w", err)
	}

	env := &protocol.Envelope{
		OperationType: op,
		RequestID:     requestID,
		Payload:       payload,
	}
	if err := conn.Send(ctx, env); err != nil {
		r.pending.Cancel(requestID, ErrNotConnected)
		r.logger.Warn("forwarding command failed",
			"connection_id", identity,
			"request_id", requestID,
			"operation", op,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	r.logger.Debug("command forwarded to agent",
		"connection_id", identity,
		"request_id", requestID,
		"operation", op,
	)
	return future, nil
}

// Execute forwards a command and waits for its outcome.
func (r *Relay) Execute(ctx context.Context, identity string, op protocol.OperationType, payload json.RawMessage) (json.RawMessage, error) {
	future, err := r.Forward(ctx, identity, op, payload)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// Shutdown closes every agent transport and releases every waiting caller. Handshakes
// that finish afterwards are refused.
func (r *Relay) Shutdown() {
	r.closing.Store(true)
	r.connections.CloseAll(protocol.CloseShutdown, protocol.ReasonShutdown)
	r.pending.Close()
}

// notifyAbandoned tells the agent that nobody is waiting for req any more.
func (r *Relay) notifyAbandoned(req pending.Request) {
	conn, ok := r.connections.Lookup(req.ConnectionID)
	if !ok || !conn.IsOpen() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), abandonWriteTimeout)
	defer cancel()
	if err := conn.Send(ctx, protocol.Abandoned(req.ID)); err != nil {
		r.logger.Debug("notifying agent of abandoned request",
			"connection_id", req.ConnectionID,
			"request_id", req.ID,
			"error", err,
		)
	}
}
