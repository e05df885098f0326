// ABOUTME: HTTP entry point upgrading agent requests to websocket transports.

package relay

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/2389/dbrelay/internal/protocol"
)

// ServeWS accepts an agent websocket and runs it until it closes.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(r.maxMessageBytes)

	conn := protocol.NewWSConn(ws)
	if err := r.HandleAgent(req.Context(), conn); err != nil {
		r.logger.Debug("agent connection ended", "remote_addr", req.RemoteAddr, "error", err)
	}
	_ = ws.CloseNow()
}
