// ABOUTME: Envelope framing over a coder/websocket connection.
// ABOUTME: One JSON envelope per text message, in both directions.

package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSConn carries envelopes over a websocket. Send, Ping and Close may be called
// concurrently with each other and with one reader calling Read.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps an accepted or dialed websocket.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read returns the next raw message. Decoding is left to the caller so malformed
// messages can be counted rather than ending the connection.
func (c *WSConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Send writes env as a single JSON text message.
func (c *WSConn) Send(ctx context.Context, env *Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

// Ping sends a ping and waits for the pong. A concurrent Read must be running for the
// pong to be seen.
func (c *WSConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close sends a close frame with code and reason.
func (c *WSConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// CloseError describes how the peer ended a websocket, if it did so with a close frame.
func CloseError(err error) (websocket.StatusCode, string, bool) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason, true
	}
	return -1, "", false
}

// DescribeClose renders a read error for logs.
func DescribeClose(err error) string {
	if code, reason, ok := CloseError(err); ok {
		return fmt.Sprintf("closed with %d (%s)", int(code), reason)
	}
	return err.Error()
}
