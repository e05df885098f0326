// ABOUTME: Agent-side relay client: dials out, handshakes, runs commands, replies.
// ABOUTME: Reconnects with exponential backoff until the token is rejected or ctx ends.

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/dbrelay/internal/dedupe"
	"github.com/2389/dbrelay/internal/protocol"
)

const (
	DefaultMinBackoff  = time.Second
	DefaultMaxBackoff  = 30 * time.Second
	DefaultMaxInFlight = 32

	replyTimeout = 10 * time.Second

	// A relay never reuses a request id, so one seen inside this window is a replay.
	replayWindow = 15 * time.Minute
	replayIDs    = 4096
)

// ErrTokenRejected is returned by Run when the relay refuses the agent's token.
// Retrying with the same token cannot succeed.
var ErrTokenRejected = errors.New("relay rejected the connection token")

// Conn is one established transport to the relay.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, env *protocol.Envelope) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a new transport to the relay.
type Dialer func(ctx context.Context) (Conn, error)

// Executor runs one command envelope and returns the reply envelope.
type Executor interface {
	Execute(ctx context.Context, env *protocol.Envelope) *protocol.Envelope
}

// Config configures a Client.
type Config struct {
	Token       string
	Dial        Dialer
	Executor    Executor
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxInFlight int
	Logger      *slog.Logger
}

// Client keeps one connection to the relay open and serves commands on it.
type Client struct {
	token      string
	dial       Dialer
	exec       Executor
	minBackoff time.Duration
	maxBackoff time.Duration
	slots      chan struct{}
	logger     *slog.Logger

	// wait sleeps for d between sessions and reports false if ctx ended first.
	wait func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	recent   *dedupe.Window
}

// New creates a Client. Token, Dial and Executor are required.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("tunnel: token is required")
	}
	if cfg.Dial == nil || cfg.Executor == nil {
		return nil, errors.New("tunnel: dialer and executor are required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		token:      cfg.Token,
		dial:       cfg.Dial,
		exec:       cfg.Executor,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		slots:      make(chan struct{}, cfg.MaxInFlight),
		logger:     cfg.Logger.With("component", "tunnel"),
		inflight:   make(map[string]context.CancelFunc),
		recent:     dedupe.New(replayWindow, replayIDs, nil),
		wait:       sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run serves the relay until ctx is cancelled (returns nil) or the relay rejects
// the token (returns ErrTokenRejected). Any other disconnect, including a relay
// asking to retry later, is retried with exponential backoff. The backoff resets
// after each session the relay acknowledged.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff

	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrTokenRejected) {
			c.logger.Error("relay rejected connection token, giving up")
			return err
		}
		if established {
			backoff = c.minBackoff
		}

		c.logger.Warn("relay connection lost, retrying", "error", err, "backoff", backoff)
		if !c.wait(ctx, backoff) {
			return nil
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// session runs one connection. established reports whether the relay
// acknowledged the handshake.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dialing relay: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusGoingAway, "agent stopping")
		} else {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	if err := conn.Send(sessCtx, protocol.Handshake(c.token)); err != nil {
		return false, fmt.Errorf("sending handshake: %w", err)
	}
	c.logger.Debug("handshake sent, waiting for relay")

	for {
		data, err := conn.Read(sessCtx)
		if err != nil {
			if code, _, ok := protocol.CloseError(err); ok && code == protocol.CloseTokenRejected {
				return false, ErrTokenRejected
			}
			return established, fmt.Errorf("reading from relay: %s", protocol.DescribeClose(err))
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("ignoring malformed envelope from relay", "error", err)
			continue
		}

		switch {
		case env.OperationType == protocol.OpHandshakeAccepted:
			if !established {
				established = true
				c.logger.Info("=== CONNECTED TO RELAY ===")
			}
		case env.OperationType == protocol.OpRequestAbandoned:
			c.abandon(env.RequestID)
		case env.OperationType.IsCommand():
			c.start(sessCtx, &wg, conn, env)
		default:
			c.logger.Warn("ignoring unexpected envelope", "operation", env.OperationType, "request_id", env.RequestID)
		}
	}
}

func (c *Client) start(ctx context.Context, wg *sync.WaitGroup, conn Conn, env *protocol.Envelope) {
	cmdCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	_, running := c.inflight[env.RequestID]
	if env.RequestID == "" || running || c.recent.Mark(env.RequestID) {
		c.mu.Unlock()
		cancel()
		c.logger.Warn("ignoring command with missing or duplicate request id", "request_id", env.RequestID, "operation", env.OperationType)
		return
	}
	c.inflight[env.RequestID] = cancel
	c.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.finish(env.RequestID)

		select {
		case c.slots <- struct{}{}:
			defer func() { <-c.slots }()
		case <-cmdCtx.Done():
			return
		}

		reply := c.exec.Execute(cmdCtx, env)
		if cmdCtx.Err() != nil {
			c.logger.Debug("dropping reply for abandoned command", "request_id", env.RequestID)
			return
		}

		sendCtx, sendCancel := context.WithTimeout(ctx, replyTimeout)
		defer sendCancel()
		if err := conn.Send(sendCtx, reply); err != nil {
			c.logger.Warn("failed to send reply", "request_id", env.RequestID, "error", err)
		}
	}()
}

func (c *Client) abandon(requestID string) {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("abandon for unknown request", "request_id", requestID)
		return
	}
	c.logger.Info("relay abandoned request, cancelling", "request_id", requestID)
	cancel()
}

func (c *Client) finish(requestID string) {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	delete(c.inflight, requestID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// InFlight returns how many commands are currently executing or queued.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
