package gateway

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dbrelay/internal/config"
)

func TestTailscaleStateDir(t *testing.T) {
	dir, err := tailscaleStateDir("/var/lib/dbrelay/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dbrelay/ts", dir)

	t.Setenv("XDG_DATA_HOME", "/data")
	dir, err = tailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "dbrelay", "tailscale"), dir)

	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/home/relay")
	dir, err = tailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/relay", ".local", "share", "dbrelay", "tailscale"), dir)
}

func TestTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := tailscaleAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := tailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = tailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)
}

func TestNewTailnetNode(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "ts")
	node, err := newTailnetNode(config.TailscaleConfig{
		Hostname:  "dbrelay",
		AuthKey:   "tskey-test",
		StateDir:  stateDir,
		Ephemeral: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "dbrelay", node.Hostname)
	assert.Equal(t, stateDir, node.Dir)
	assert.True(t, node.Ephemeral)
	assert.DirExists(t, stateDir)
}
