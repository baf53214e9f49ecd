package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "biyahe.toml")
	content := `
[server]
port = 8080
host = "127.0.0.1"

[relay]
movement_threshold_degrees = 0.0002
heartbeat_interval_seconds = 30
max_updates_per_minute = 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 0.0002, cfg.Relay.MovementThresholdDegrees)
	assert.Equal(t, 30*time.Second, cfg.Relay.HeartbeatInterval())
	assert.Equal(t, 10, cfg.Relay.MaxUpdatesPerMinute)

	// Unset keys fall back to defaults.
	assert.Equal(t, 30*time.Second, cfg.Relay.GracePeriod())
	assert.Equal(t, 300*time.Second, cfg.Relay.StaleTimeout())
	assert.Equal(t, 60*time.Second, cfg.Relay.CleanupInterval())
	assert.Equal(t, 100, cfg.Relay.MaxSnapshotDrivers)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Empty(t, cfg.Server.Host)
	assert.NotEmpty(t, cfg.Server.AllowedOrigins)
	assert.Equal(t, 0.0001, cfg.Relay.MovementThresholdDegrees)
	assert.Equal(t, 1000, cfg.Relay.MaxClients)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.ShutdownSettle())
}

func TestEnvOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Setenv("BIYAHE_SERVER_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}
