// ABOUTME: In-memory agent transport and collaborators for relay tests.
// ABOUTME: pipeConn feeds scripted inbound messages and records what the relay sends.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/dbrelay/internal/agent"
	"github.com/2389/dbrelay/internal/auth"
	"github.com/2389/dbrelay/internal/clock"
	"github.com/2389/dbrelay/internal/pending"
	"github.com/2389/dbrelay/internal/protocol"
)

var errPipeClosed = errors.New("pipe closed")

// pipeConn implements Conn for testing.
type pipeConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	sent      []*protocol.Envelope // everything except handshake acks
	accepted  int
	closes    []websocket.StatusCode
	reasons   []string
	failSends bool
	peerErr   error
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.inbound:
		return data, nil
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.peerErr != nil {
			return nil, p.peerErr
		}
		return nil, errPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Send(_ context.Context, env *protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSends {
		return errors.New("broken pipe")
	}
	if env.OperationType == protocol.OpHandshakeAccepted {
		p.accepted++
		return nil
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *pipeConn) acks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

func (p *pipeConn) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// pingConn is a pipeConn whose pings fail once unresponsive is set.
type pingConn struct {
	*pipeConn
	unresponsive atomic.Bool
	pings        atomic.Int32
}

func newPingConn() *pingConn {
	return &pingConn{pipeConn: newPipeConn()}
}

func (p *pingConn) Ping(ctx context.Context) error {
	p.pings.Add(1)
	if p.unresponsive.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *pipeConn) Close(code websocket.StatusCode, reason string) error {
	p.mu.Lock()
	p.closes = append(p.closes, code)
	p.reasons = append(p.reasons, reason)
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

// push delivers an envelope from the agent side.
func (p *pipeConn) push(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	p.inbound <- data
}

// pushRaw delivers arbitrary bytes from the agent side.
func (p *pipeConn) pushRaw(data string) {
	p.inbound <- []byte(data)
}

// hangUp simulates the agent closing its side with code.
func (p *pipeConn) hangUp(code websocket.StatusCode) {
	p.mu.Lock()
	p.peerErr = websocket.CloseError{Code: code, Reason: "agent exit"}
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (p *pipeConn) getSent() []*protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.Envelope, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *pipeConn) getCloses() []websocket.StatusCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]websocket.StatusCode, len(p.closes))
	copy(out, p.closes)
	return out
}

func (p *pipeConn) lastReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reasons) == 0 {
		return ""
	}
	return p.reasons[len(p.reasons)-1]
}

// staticTrust accepts a fixed set of tokens, or fails every check when err is set.
type staticTrust struct {
	valid map[string]bool
	err   error
}

func (s staticTrust) Verify(_ context.Context, raw string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.valid[raw], nil
}

// countingDeriver wraps the real deriver and counts calls.
type countingDeriver struct {
	inner *auth.IdentityDeriver
	mu    sync.Mutex
	calls int
}

func (c *countingDeriver) Derive(raw string) string {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Derive(raw)
}

func (c *countingDeriver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	relay   *Relay
	clock   *clock.FakeClock
	deriver *countingDeriver
}

func newHarness(t *testing.T, validTokens ...string) *harness {
	t.Helper()
	return newHarnessWith(t, Options{}, validTokens...)
}

// newHarnessWith overlays the non-zero fields of extra onto the default options.
func newHarnessWith(t *testing.T, extra Options, validTokens ...string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	inner, err := auth.NewIdentityDeriver([]byte("relay-test-secret"))
	require.NoError(t, err)
	deriver := &countingDeriver{inner: inner}

	valid := make(map[string]bool)
	for _, tok := range validTokens {
		valid[tok] = true
	}

	clk := clock.Fake(time.Unix(0, 0))
	opts := Options{
		Trust:       staticTrust{valid: valid},
		Identities:  deriver,
		Connections: agent.NewRegistry(10, logger),
		Pending: pending.Config{
			Timeout:    600 * time.Second,
			MaxPending: 100,
			Clock:      clk,
		},
		HandshakeTimeout:  time.Second,
		MaxProtocolErrors: 3,
		PingInterval:      -1,
		Logger:            logger,
	}
	if extra.Trust != nil {
		opts.Trust = extra.Trust
	}
	if extra.PingInterval != 0 {
		opts.PingInterval = extra.PingInterval
	}
	r := New(opts)
	return &harness{relay: r, clock: clk, deriver: deriver}
}

// connect runs HandleAgent for a new pipe and waits for the handshake to be acknowledged.
func (h *harness) connect(t *testing.T, token string) (*pipeConn, string, <-chan error) {
	t.Helper()
	conn := newPipeConn()
	done := h.bind(t, conn, conn, token)
	return conn, h.deriver.inner.Derive(token), done
}

// bind runs HandleAgent on transport, whose pipe side is p, and waits for the ack.
func (h *harness) bind(t *testing.T, transport Conn, p *pipeConn, token string) <-chan error {
	t.Helper()
	p.push(t, protocol.Handshake(token))

	done := make(chan error, 1)
	go func() { done <- h.relay.HandleAgent(context.Background(), transport) }()

	require.Eventually(t, func() bool { return p.acks() == 1 }, time.Second, time.Millisecond)
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("HandleAgent did not return")
		return nil
	}
}
