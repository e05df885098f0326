// ABOUTME: Command API and health endpoints served next to the agent websocket
// ABOUTME: Maps relay outcomes to HTTP: 200 result, 523 not connected, 504 timeout

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/dbrelay/internal/auth"
	"github.com/2389/dbrelay/internal/pending"
	"github.com/2389/dbrelay/internal/protocol"
	"github.com/2389/dbrelay/internal/relay"
)

// StatusOriginUnreachable is returned when the caller's agent has no open transport.
const StatusOriginUnreachable = 523

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Pending       int    `json:"pending"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// sendJSONError writes {"error": message} with status.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) maxBody() int64 {
	if n := g.config.Relay.MaxMessageBytes; n > 0 {
		return n
	}
	return relay.DefaultMaxMessageBytes
}

// handleCommand forwards a command to the agent holding the caller's token and
// writes the agent's result payload back verbatim.
//
// The request body is the command payload itself; operationType selects the handler
// on the agent.
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	identity := auth.MustIdentityFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		sendJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var head struct {
		OperationType protocol.OperationType `json:"operationType"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !head.OperationType.IsCommand() {
		sendJSONError(w, http.StatusBadRequest, "unknown operationType: "+string(head.OperationType))
		return
	}

	result, err := g.relay.Execute(r.Context(), identity, head.OperationType, body)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result)
	case errors.Is(err, relay.ErrNotConnected):
		sendJSONError(w, StatusOriginUnreachable, "client not connected")
	case errors.Is(err, relay.ErrTimeout):
		sendJSONError(w, http.StatusGatewayTimeout, "agent did not respond in time")
	case errors.Is(err, pending.ErrClosed):
		sendJSONError(w, http.StatusServiceUnavailable, "relay shutting down")
	case r.Context().Err() != nil:
		// Caller went away; the pending entry still expires on its own schedule.
		g.logger.Debug("command caller disconnected", "connection_id", identity, "operation", head.OperationType)
	default:
		g.logger.Error("forwarding command", "connection_id", identity, "operation", head.OperationType, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to forward command")
	}
}

// handleHealth reports liveness and registry sizes. It returns 503 while draining.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Connections:   g.relay.Connections().Len(),
		Pending:       g.relay.Pending().Len(),
		UptimeSeconds: int64(time.Since(g.startedAt) / time.Second),
	}
	status := http.StatusOK
	if g.draining.Load() {
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
