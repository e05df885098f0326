// ABOUTME: Entry point for the dbrelay server
// ABOUTME: Serves agent websockets and the command API, and issues agent tokens

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/dbrelay/internal/auth"
	"github.com/2389/dbrelay/internal/config"
	"github.com/2389/dbrelay/internal/gateway"
	"github.com/2389/dbrelay/internal/logging"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
     _ _                _
  __| | |__  _ __ ___| | __ _ _   _
 / _' | '_ \| '__/ _ \ |/ _' | | | |
| (_| | |_) | | |  __/ | (_| | |_| |
 \__,_|_.__/|_|  \___|_|\__,_|\__, |
                              |___/
`

func configPath() string {
	return config.DefaultPath("DBRELAY_CONFIG", "relay.yaml")
}

func usage() {
	fmt.Println("Usage: dbrelay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the relay server")
	fmt.Println("  health                         Check relay health")
	fmt.Println("  token --subject NAME [--ttl D] Issue an agent connection token (jwt_secret mode)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	path := configPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadRelay(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	if cfg.Auth.TokenAuthorityURL != "" {
		fmt.Printf("Tokens:    %s\n", cfg.Auth.TokenAuthorityURL)
	} else {
		fmt.Println("Tokens:    local JWT")
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting dbrelay",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"request_timeout", cfg.Relay.RequestTimeout,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.LoadRelay(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Print(string(body))
	return nil
}

// runToken signs a connection token with the configured jwt_secret. Tokens for a
// relay backed by a token authority are issued by that authority instead.
func runToken(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	subject := fs.StringP("subject", "s", "", "token subject, usually the agent's name")
	ttl := fs.Duration("ttl", 0, "token lifetime; zero never expires")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}
	if *ttl < 0 {
		return errors.New("--ttl must not be negative")
	}

	cfg, err := config.LoadRelay(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return issueToken(cfg.Auth, *subject, *ttl, out)
}

func issueToken(cfg config.AuthConfig, subject string, ttl time.Duration, out io.Writer) error {
	if cfg.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set; tokens come from the configured token authority")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
