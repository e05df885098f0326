// ABOUTME: In-memory Transport used by agent package tests.
// ABOUTME: Records sent envelopes and close frames.

package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/dbrelay/internal/protocol"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu        sync.Mutex
	sent      []*protocol.Envelope
	closes    []websocket.StatusCode
	reasons   []string
	failSends bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Send(_ context.Context, env *protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSends {
		return errors.New("broken pipe")
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockTransport) Close(code websocket.StatusCode, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, code)
	m.reasons = append(m.reasons, reason)
	return nil
}

func (m *mockTransport) getSent() []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*protocol.Envelope, len(m.sent))
	copy(result, m.sent)
	return result
}

func (m *mockTransport) getCloses() []websocket.StatusCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]websocket.StatusCode, len(m.closes))
	copy(result, m.closes)
	return result
}
