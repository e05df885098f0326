// ABOUTME: Scripted relay connections and executors for tunnel tests.

package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/dbrelay/internal/protocol"
)

// fakeConn plays the relay side of one connection.
type fakeConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	sent    []*protocol.Envelope
	closes  []websocket.StatusCode
	readErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.readErr != nil {
			return nil, f.readErr
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Send(_ context.Context, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	f.closes = append(f.closes, code)
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

// push delivers an envelope from the relay.
func (f *fakeConn) push(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	f.inbound <- data
}

// hangUp ends the connection from the relay side with the given close code.
func (f *fakeConn) hangUp(code websocket.StatusCode) {
	f.mu.Lock()
	f.readErr = websocket.CloseError{Code: code, Reason: "test"}
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeConn) getSent() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Envelope(nil), f.sent...)
}

func (f *fakeConn) getCloses() []websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]websocket.StatusCode(nil), f.closes...)
}

// drained blocks until the client has read everything pushed so far.
func (f *fakeConn) drained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.inbound) == 0 }, 2*time.Second, time.Millisecond)
}

// waitSent blocks until n envelopes were sent.
func (f *fakeConn) waitSent(t *testing.T, n int) []*protocol.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.getSent()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.getSent()
}

// dialQueue hands out scripted connections in order. Dials past the end fail.
type dialQueue struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (q *dialQueue) dial(context.Context) (Conn, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dials++
	if len(q.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := q.conns[0]
	q.conns = q.conns[1:]
	return c, nil
}

func (q *dialQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dials
}

// blockingExecutor replies "ok" once released, or returns early when ctx ends.
type blockingExecutor struct {
	release   chan struct{}
	mu        sync.Mutex
	started   []string
	cancelled []string
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{release: make(chan struct{})}
}

func (e *blockingExecutor) Execute(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	e.mu.Lock()
	e.started = append(e.started, env.RequestID)
	e.mu.Unlock()

	select {
	case <-e.release:
	case <-ctx.Done():
		e.mu.Lock()
		e.cancelled = append(e.cancelled, env.RequestID)
		e.mu.Unlock()
	}
	reply, _ := protocol.Reply(env.RequestID, &protocol.Result{Status: protocol.StatusSuccess, Data: json.RawMessage(`"ok"`)})
	return reply
}

func (e *blockingExecutor) getStarted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

func (e *blockingExecutor) getCancelled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}

// echoExecutor replies immediately.
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, env *protocol.Envelope) *protocol.Envelope {
	reply, _ := protocol.Reply(env.RequestID, &protocol.Result{Status: protocol.StatusSuccess, Data: env.Payload})
	return reply
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, q *dialQueue, exec Executor) *Client {
	t.Helper()
	c, err := New(Config{
		Token:      "raw-token",
		Dial:       q.dial,
		Executor:   exec,
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return c
}

// backoffRecorder replaces Client.wait, recording each requested delay.
type backoffRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (b *backoffRecorder) wait(ctx context.Context, d time.Duration) bool {
	b.mu.Lock()
	b.delays = append(b.delays, d)
	b.mu.Unlock()
	return sleepCtx(ctx, time.Millisecond)
}

func (b *backoffRecorder) get() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Duration(nil), b.delays...)
}

func command(id string) *protocol.Envelope {
	return &protocol.Envelope{
		OperationType: protocol.OpGetTables,
		RequestID:     id,
		Payload:       json.RawMessage(`{}`),
	}
}
