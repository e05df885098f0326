// ABOUTME: Relay server orchestrator wiring HTTP, optional gRPC health and tailscale listeners
// ABOUTME: Builds the token trust chain and relay from config and manages graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/dbrelay/internal/agent"
	"github.com/2389/dbrelay/internal/auth"
	"github.com/2389/dbrelay/internal/config"
	"github.com/2389/dbrelay/internal/pending"
	"github.com/2389/dbrelay/internal/relay"
	"github.com/2389/dbrelay/internal/trust"
)

const shutdownGrace = 5 * time.Second

// Gateway runs the relay behind its HTTP (and optionally gRPC) listeners.
type Gateway struct {
	config      *config.RelayConfig
	relay       *relay.Relay
	trust       *trust.Cache
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	startedAt time.Time
	draining  atomic.Bool
}

// newAuthority builds the token authority selected by config.
func newAuthority(cfg config.AuthConfig) (trust.Authority, error) {
	if cfg.TokenAuthorityURL != "" {
		return auth.NewHTTPAuthority(cfg.TokenAuthorityURL, cfg.AuthorityTimeout), nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return auth.NewJWTAuthority(verifier), nil
}

// New creates a Gateway from a validated config.
func New(cfg *config.RelayConfig, logger *slog.Logger) (*Gateway, error) {
	authority, err := newAuthority(cfg.Auth)
	if err != nil {
		return nil, err
	}

	identities, err := auth.NewIdentityDeriver([]byte(cfg.Auth.IdentitySecret))
	if err != nil {
		return nil, fmt.Errorf("creating identity deriver: %w", err)
	}

	trustCache := trust.New(trust.Config{
		Authority:  authority,
		TTL:        cfg.Auth.TrustTTL,
		MaxEntries: cfg.Auth.TrustMaxEntries,
		Logger:     logger.With("component", "trust"),
	})

	r := relay.New(relay.Options{
		Trust:       trustCache,
		Identities:  identities,
		Connections: agent.NewRegistry(cfg.Relay.MaxConnections, logger.With("component", "connections")),
		Pending: pending.Config{
			Timeout:    cfg.Relay.RequestTimeout,
			MaxPending: cfg.Relay.MaxPending,
			Logger:     logger.With("component", "pending"),
		},
		HandshakeTimeout:  cfg.Relay.HandshakeTimeout,
		PingInterval:      cfg.Relay.PingInterval,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		MaxProtocolErrors: cfg.Relay.MaxProtocolErrors,
		Logger:            logger.With("component", "relay"),
	})

	gw := &Gateway{
		config:    cfg,
		relay:     r,
		trust:     trustCache,
		logger:    logger,
		startedAt: time.Now(),
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = newGRPCServer()
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP routes: the agent websocket, the command API and health.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agent", g.relay.ServeWS)
	mux.Handle("POST /api/command", auth.BearerMiddleware(g.relay)(http.HandlerFunc(g.handleCommand)))
	mux.HandleFunc("GET /health", g.handleHealth)
	return mux
}

// Relay returns the underlying relay.
func (g *Gateway) Relay() *relay.Relay {
	return g.relay
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when gRPC is disabled.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting relay",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal blocks until ctx ends (nil) or a server fails. A second
// failure already queued is joined into the returned error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("=== RELAY STOPPING ===", "reason", context.Cause(ctx))
		return nil
	case err := <-errCh:
		select {
		case second := <-errCh:
			err = errors.Join(err, second)
		default:
		}
		g.logger.Error("listener failed", "error", err)
		return err
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	// The run context is already canceled here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, closes every agent transport with 1001, releases
// waiting callers and stops the listeners.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.draining.CompareAndSwap(false, true) {
		return nil
	}
	g.logger.Info("shutting down relay")

	// Agent websockets are hijacked connections that http.Server.Shutdown does
	// not wait for, so close them first.
	g.relay.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.trust.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
