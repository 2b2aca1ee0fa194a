package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "tattoo.socket", cfg.SocketPath)
	assert.Equal(t, 6*time.Hour, cfg.HangTimeout)
	assert.Equal(t, 10*time.Minute, cfg.KeepAlive)
	assert.Equal(t, 4*time.Hour, cfg.AutoScan)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tattoo.toml")
	contents := `
socket_path = "/run/tattoo/custom.socket"
data_dir = "/srv/tattoo"

[irker]
channel = "ircs://irc.libera.chat:6697/#gentoo-custom"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/tattoo/custom.socket", cfg.SocketPath)
	assert.Equal(t, "/srv/tattoo", cfg.DataDir)
	assert.Equal(t, "ircs://irc.libera.chat:6697/#gentoo-custom", cfg.Irker.Channel)
}

func TestLoadMetricsAddrDefaultsToDisabled(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.MetricsAddr)
}

func TestLoadMetricsAddrFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tattoo.toml")
	require.NoError(t, os.WriteFile(path, []byte(`metrics_addr = ":9435"`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9435", cfg.MetricsAddr)
}

func TestHangTimeoutEnvOverride(t *testing.T) {
	t.Setenv("HANG_TIMEOUT_SECS", "120")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.HangTimeout)
}
