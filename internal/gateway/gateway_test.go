// ABOUTME: Tests for the relay gateway HTTP surface and lifecycle
// ABOUTME: Drives real websockets against httptest servers with a scripted agent

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/dbrelay/internal/auth"
	"github.com/2389/dbrelay/internal/config"
	"github.com/2389/dbrelay/internal/protocol"
)

const testJWTSecret = "test-secret-key-for-jwt-signing!"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.RelayConfig {
	return &config.RelayConfig{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth: config.AuthConfig{
			IdentitySecret:  "identity-secret",
			JWTSecret:       testJWTSecret,
			TrustTTL:        time.Minute,
			TrustMaxEntries: 100,
		},
		Relay: config.LimitsConfig{
			MaxConnections:    10,
			MaxPending:        10,
			RequestTimeout:    5 * time.Second,
			HandshakeTimeout:  time.Second,
			MaxMessageBytes:   1 << 20,
			MaxProtocolErrors: 3,
		},
	}
}

type testGateway struct {
	gw     *Gateway
	server *httptest.Server
	jwt    *auth.JWTVerifier
}

func newTestGateway(t *testing.T, cfg *config.RelayConfig) *testGateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		server.Close()
	})

	jwt, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	return &testGateway{gw: gw, server: server, jwt: jwt}
}

func (tg *testGateway) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := tg.jwt.Generate(subject, time.Hour)
	require.NoError(t, err)
	return tok
}

// dialAgent opens a raw websocket to /agent and sends the handshake.
func (tg *testGateway) dialAgent(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/agent"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	require.NoError(t, wsjson.Write(ctx, conn, protocol.Handshake(token)))
	return conn
}

// connectAgent dials /agent, handshakes and waits for the relay's acknowledgement.
func (tg *testGateway) connectAgent(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := tg.dialAgent(t, token)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ack protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	require.Equal(t, protocol.OpHandshakeAccepted, ack.OperationType)
	return conn
}

func (tg *testGateway) postCommand(t *testing.T, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tg.server.URL+"/api/command", bytes.NewBufferString(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestNew_SelectsAuthority(t *testing.T) {
	cfg := testConfig()
	a, err := newAuthority(cfg.Auth)
	require.NoError(t, err)
	assert.IsType(t, &auth.JWTAuthority{}, a)

	cfg.Auth.JWTSecret = ""
	cfg.Auth.TokenAuthorityURL = "https://control.example.com"
	a, err = newAuthority(cfg.Auth)
	require.NoError(t, err)
	assert.IsType(t, &auth.HTTPAuthority{}, a)

	cfg.Auth.TokenAuthorityURL = ""
	cfg.Auth.JWTSecret = "short"
	_, err = newAuthority(cfg.Auth)
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	tg.connectAgent(t, tg.token(t, "agent-1"))

	resp, err := http.Get(tg.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
	assert.Equal(t, 0, body.Pending)
}

func TestCommand_AuthErrors(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	resp, _ := tg.postCommand(t, "", `{"operationType":"get-tables"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = tg.postCommand(t, "forged-token", `{"operationType":"get-tables"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCommand_BadRequests(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	token := tg.token(t, "agent-1")

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{oops"},
		{name: "missing operation", body: `{"tableName":"books"}`},
		{name: "control operation", body: `{"operationType":"initial-handshake"}`},
		{name: "unknown operation", body: `{"operationType":"drop-database"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := tg.postCommand(t, token, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCommand_BodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.MaxMessageBytes = 64
	tg := newTestGateway(t, cfg)

	body := `{"operationType":"execute-raw-query","query":"` + strings.Repeat("x", 128) + `"}`
	resp, _ := tg.postCommand(t, tg.token(t, "agent-1"), body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestCommand_NotConnected(t *testing.T) {
	tg := newTestGateway(t, testConfig())

	resp, data := tg.postCommand(t, tg.token(t, "agent-1"), `{"operationType":"get-tables"}`)
	assert.Equal(t, StatusOriginUnreachable, resp.StatusCode)
	assert.Contains(t, string(data), "client not connected")
	assert.Equal(t, 0, tg.gw.Relay().Pending().Len(), "no pending entry without an agent")
}

func TestCommand_RoundTrip(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	token := tg.token(t, "agent-1")
	agentConn := tg.connectAgent(t, token)

	go func() {
		ctx := context.Background()
		var env protocol.Envelope
		if err := wsjson.Read(ctx, agentConn, &env); err != nil {
			return
		}
		reply, _ := protocol.Reply(env.RequestID, &protocol.Result{
			Status: protocol.StatusSuccess,
			Data:   []string{"authors", "books"},
		})
		_ = wsjson.Write(ctx, agentConn, reply)
	}()

	resp, data := tg.postCommand(t, token, `{"operationType":"get-tables"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var result protocol.Result
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, protocol.StatusSuccess, result.Status)
	assert.Equal(t, []any{"authors", "books"}, result.Data)
}

func TestCommand_OtherTokenCannotReachAgent(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	tg.connectAgent(t, tg.token(t, "agent-1"))

	resp, _ := tg.postCommand(t, tg.token(t, "agent-2"), `{"operationType":"get-tables"}`)
	assert.Equal(t, StatusOriginUnreachable, resp.StatusCode)
}

func TestCommand_TimeoutNotifiesAgent(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.RequestTimeout = 100 * time.Millisecond
	tg := newTestGateway(t, cfg)
	token := tg.token(t, "agent-1")
	agentConn := tg.connectAgent(t, token)

	received := make(chan protocol.Envelope, 2)
	go func() {
		for {
			var env protocol.Envelope
			if err := wsjson.Read(context.Background(), agentConn, &env); err != nil {
				return
			}
			received <- env
		}
	}()

	resp, _ := tg.postCommand(t, token, `{"operationType":"get-rows","tableName":"books"}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	cmd := <-received
	assert.Equal(t, protocol.OpGetRows, cmd.OperationType)
	select {
	case abandoned := <-received:
		assert.Equal(t, protocol.OpRequestAbandoned, abandoned.OperationType)
		assert.Equal(t, cmd.RequestID, abandoned.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not told the request was abandoned")
	}
}

func TestShutdown_ClosesAgentsAndDrains(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	agentConn := tg.connectAgent(t, tg.token(t, "agent-1"))

	require.NoError(t, tg.gw.Shutdown(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := agentConn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	rec := httptest.NewRecorder()
	tg.gw.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting_down")

	assert.NoError(t, tg.gw.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdown_RefusesLateAgent(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	require.NoError(t, tg.gw.Shutdown(context.Background()))

	// The test server still routes /agent; the relay itself must refuse the binding.
	conn := tg.dialAgent(t, tg.token(t, "agent-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Equal(t, 0, tg.gw.Relay().Connections().Len())
}

func TestGRPCHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NotNil(t, gw.grpcServer)

	ctx := context.Background()
	for _, svc := range []string{"", healthService} {
		resp, err := gw.health.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	}

	require.NoError(t, gw.Shutdown(ctx))

	resp, err := gw.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	cfg := testConfig()
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownGrace + time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
