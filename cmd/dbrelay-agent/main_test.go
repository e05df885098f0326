package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dbrelay/internal/config"
	"github.com/2389/dbrelay/internal/dispatch"
	"github.com/2389/dbrelay/internal/store"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{
		"--relay-url", "wss://relay.example.com/agent",
		"--token", "tok",
		"--driver", "sqlite",
		"--dsn", "/tmp/app.db",
	})
	require.NoError(t, err)
	assert.Equal(t, "", o.configPath)
	assert.Equal(t, config.AgentOverrides{
		RelayURL: "wss://relay.example.com/agent",
		Token:    "tok",
		Driver:   "sqlite",
		DSN:      "/tmp/app.db",
	}, o.overrides)
}

func TestParseFlags_Version(t *testing.T) {
	o, err := parseFlags([]string{"-v"})
	require.NoError(t, err)
	assert.True(t, o.showVersion)
	assert.Equal(t, "dev", version, "unset without -ldflags")
}

func TestLoadConfig_FlagsOnly(t *testing.T) {
	t.Setenv("DBRELAY_AGENT_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	o, err := parseFlags([]string{
		"--relay-url", "ws://localhost:8080/agent",
		"--token", "tok",
		"--driver", "sqlite",
		"--dsn", "app.db",
	})
	require.NoError(t, err)

	cfg, err := loadConfig(o)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/agent", cfg.Relay.URL)
	assert.Equal(t, config.DefaultMaxInFlight, cfg.Relay.MaxInFlight)
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	o, err := parseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, err)

	_, err = loadConfig(o)
	assert.Error(t, err)
}

func TestOpenAudit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	sink, closeFn, err := openAudit(ctx, config.AuditConfig{}, logger)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &dispatch.LogAuditSink{}, sink)

	path := filepath.Join(t.TempDir(), "audit.db")
	sink, closeFn, err = openAudit(ctx, config.AuditConfig{Path: path, Retention: time.Hour}, logger)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &store.SQLiteStore{}, sink)
}
