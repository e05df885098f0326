// ABOUTME: Serves the relay on a tailnet through an embedded tsnet node
// ABOUTME: Agents and callers then reach it by MagicDNS name without a public port

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/dbrelay/internal/config"
)

// Tailnet ports. Listener addresses from server.* are ignored in tailscale mode.
const (
	tailnetHTTPPort = ":80"
	tailnetGRPCPort = ":50051"
)

// tailscaleStateDir picks tailscale.state_dir, else $XDG_DATA_HOME/dbrelay/tailscale,
// else ~/.local/share/dbrelay/tailscale.
func tailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "dbrelay", "tailscale"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "dbrelay", "tailscale"), nil
}

// tailscaleAuthKey prefers the configured key and falls back to $TS_AUTHKEY.
func tailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

func newTailnetNode(cfg config.TailscaleConfig) (*tsnet.Server, error) {
	stateDir, err := tailscaleStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := tailscaleAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}
	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		AuthKey:   authKey,
		Ephemeral: cfg.Ephemeral,
	}, nil
}

// setupTailscaleListeners brings the node up and listens on the tailnet ports.
// On any failure everything opened so far is closed again.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	node, err := newTailnetNode(g.config.Tailscale)
	if err != nil {
		return nil, nil, err
	}

	var opened []net.Listener
	defer func() {
		if err == nil {
			return
		}
		for _, ln := range opened {
			_ = ln.Close()
		}
		_ = node.Close()
	}()

	g.logger.Info("joining tailnet", "hostname", node.Hostname, "state_dir", node.Dir, "ephemeral", node.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailnetAddress(status)

	listen := func(port string) (net.Listener, error) {
		ln, err := node.Listen("tcp", port)
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet %s: %w", port, err)
		}
		opened = append(opened, ln)
		return ln, nil
	}

	if httpLn, err = listen(tailnetHTTPPort); err != nil {
		return nil, nil, err
	}
	if g.grpcServer != nil {
		if grpcLn, err = listen(tailnetGRPCPort); err != nil {
			return nil, nil, err
		}
	}

	g.tsnetServer = node
	return httpLn, grpcLn, nil
}

func (g *Gateway) logTailnetAddress(status *ipnstate.Status) {
	attrs := []any{"hostname", g.config.Tailscale.Hostname}
	if len(status.TailscaleIPs) == 0 {
		g.logger.Warn("tailnet node has no addresses yet", attrs...)
	} else {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	g.logger.Info("tailnet node ready", attrs...)
}
