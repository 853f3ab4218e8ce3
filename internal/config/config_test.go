package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "albatross_manager", cfg.Server.Address)
	assert.Equal(t, 2, cfg.Server.PollAttempts)
	assert.Equal(t, 10*time.Second, cfg.Server.PollInterval)
	assert.Zero(t, cfg.Server.Reconnects)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30, cfg.Runtime.SDK)
	assert.Equal(t, filepath.Join(Dir(), "albatross.db"), cfg.Database.Path)
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "albatross.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: custom_addr
  poll_interval: 2s
  reconnects: 4
log:
  level: debug
`), 0o644))
	t.Setenv("ALBATROSS_RUNTIME_SDK", "24")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom_addr", cfg.Server.Address)
	assert.Equal(t, 2*time.Second, cfg.Server.PollInterval)
	assert.Equal(t, 4, cfg.Server.Reconnects)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 24, cfg.Runtime.SDK)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "albatross.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  poll_attempts: 0\n"), 0o644))

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "poll_attempts")

	require.NoError(t, os.WriteFile(path, []byte("server:\n  reconnects: -1\n"), 0o644))
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "reconnects")
}

func TestEnsureDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureDir())
	_, err := os.Stat(filepath.Join(home, ".albatross"))
	assert.NoError(t, err)
}
