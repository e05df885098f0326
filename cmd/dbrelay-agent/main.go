// ABOUTME: Entry point for dbrelay-agent, which runs next to a customer database
// ABOUTME: Dials the relay, executes forwarded commands and keeps an audit trail

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/dbrelay/internal/config"
	"github.com/2389/dbrelay/internal/datasource"
	"github.com/2389/dbrelay/internal/dispatch"
	"github.com/2389/dbrelay/internal/logging"
	"github.com/2389/dbrelay/internal/store"
	"github.com/2389/dbrelay/internal/tunnel"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitTokenRejected tells supervisors not to restart with the same token.
const exitTokenRejected = 3

type options struct {
	configPath  string
	overrides   config.AgentOverrides
	showVersion bool
}

func parseFlags(args []string) (*options, error) {
	var o options
	fs := pflag.NewFlagSet("dbrelay-agent", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "config file (default $DBRELAY_AGENT_CONFIG or ~/.config/dbrelay/agent.yaml)")
	fs.StringVar(&o.overrides.RelayURL, "relay-url", "", "relay agent endpoint, e.g. wss://relay.example.com/agent")
	fs.StringVar(&o.overrides.Token, "token", "", "connection token")
	fs.StringVar(&o.overrides.Driver, "driver", "", "database driver: sqlite or postgres")
	fs.StringVar(&o.overrides.DSN, "dsn", "", "database connection string")
	fs.BoolVarP(&o.showVersion, "version", "v", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &o, nil
}

// loadConfig reads the explicit --config path strictly; the default path may be
// absent when everything comes from flags.
func loadConfig(o *options) (*config.AgentConfig, error) {
	if o.configPath != "" {
		return config.LoadAgent(o.configPath, false, o.overrides)
	}
	return config.LoadAgent(config.DefaultPath("DBRELAY_AGENT_CONFIG", "agent.yaml"), true, o.overrides)
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if o.showVersion {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, tunnel.ErrTokenRejected) {
			os.Exit(exitTokenRejected)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	gray.Printf("dbrelay-agent %s\n", version)
	green.Print("    ▶ ")
	fmt.Printf("Relay:     %s\n", cfg.Relay.URL)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	fmt.Println()

	data, err := datasource.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Schema, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer data.Close()

	audit, closeAudit, err := openAudit(ctx, cfg.Audit, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	client, err := tunnel.New(tunnel.Config{
		Token:       cfg.Relay.Token,
		Dial:        tunnel.WebsocketDialer(cfg.Relay.URL, nil, config.DefaultMaxMessageBytes),
		Executor:    dispatch.New(data, audit, logger),
		MinBackoff:  cfg.Relay.ReconnectMin,
		MaxBackoff:  cfg.Relay.ReconnectMax,
		MaxInFlight: cfg.Relay.MaxInFlight,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating tunnel: %w", err)
	}

	logger.Info("starting dbrelay-agent", "relay_url", cfg.Relay.URL, "driver", cfg.Database.Driver)
	return client.Run(ctx)
}

// openAudit returns the SQLite audit store when audit.path is set, pruning entries
// older than audit.retention, and a log-only sink otherwise.
func openAudit(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger) (dispatch.AuditSink, func(), error) {
	if cfg.Path == "" {
		return dispatch.NewLogAuditSink(logger), func() {}, nil
	}

	s, err := store.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit store: %w", err)
	}
	closeFn := func() {
		if err := s.Close(); err != nil {
			logger.Warn("closing audit store", "error", err)
		}
	}

	if cfg.Retention > 0 {
		pruned, err := s.PruneAuditLog(ctx, time.Now().Add(-cfg.Retention))
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("pruning audit log: %w", err)
		}
		if pruned > 0 {
			logger.Info("pruned audit log", "removed", pruned, "retention", cfg.Retention)
		}
	}
	return s, closeFn, nil
}
