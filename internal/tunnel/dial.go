// ABOUTME: Websocket dialer for the relay's agent endpoint.

package tunnel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/2389/dbrelay/internal/protocol"
)

// WebsocketDialer dials url (ws:// or wss://) with client, or the default client if nil.
// readLimit caps inbound message size; zero keeps the library default.
func WebsocketDialer(url string, client *http.Client, readLimit int64) Dialer {
	return func(ctx context.Context) (Conn, error) {
		ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: client})
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
			}
			return nil, err
		}
		if readLimit > 0 {
			ws.SetReadLimit(readLimit)
		}
		return protocol.NewWSConn(ws), nil
	}
}
