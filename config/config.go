// Package config loads and watches the relay configuration.
//
// Configuration comes from biyahe.toml (working directory, then
// ~/.config/biyahe/), BIYAHE_-prefixed environment variables, and built-in
// defaults, in ascending precedence: defaults < file < env.
package config

import "time"

// Config is the root relay configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig configures the listening socket and origin policy.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`            // Listen port (default: 3000)
	Host           string   `mapstructure:"host"`            // Bind host; empty binds all interfaces
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Origin prefixes accepted at WebSocket upgrade
}

// LogConfig configures logging output.
type LogConfig struct {
	JSON bool `mapstructure:"json"` // JSON structured output instead of console
}

// RelayConfig holds the engine tunables. These are operational knobs, not
// protocol contract; the running server picks up changes via ConfigWatcher.
type RelayConfig struct {
	MovementThresholdDegrees float64 `mapstructure:"movement_threshold_degrees"` // Min planar displacement between broadcast anchors
	HeartbeatIntervalSeconds int     `mapstructure:"heartbeat_interval_seconds"` // Forced broadcast interval for stationary drivers
	GracePeriodSeconds       int     `mapstructure:"grace_period_seconds"`       // Reconnect window after transport loss
	StaleTimeoutSeconds      int     `mapstructure:"stale_timeout_seconds"`      // No-update window before a record is reapable
	CleanupIntervalSeconds   int     `mapstructure:"cleanup_interval_seconds"`   // Reaper sweep period
	MaxUpdatesPerMinute      int     `mapstructure:"max_updates_per_minute"`     // Rate gate for driver location updates
	MaxSnapshotDrivers       int     `mapstructure:"max_snapshot_drivers"`       // Snapshot truncation cap
	MaxClients               int     `mapstructure:"max_clients"`                // Concurrent WebSocket connections
	ShutdownSettleMS         int     `mapstructure:"shutdown_settle_ms"`         // Pause between serverShutdown fan-out and listener close
}

// HeartbeatInterval returns the heartbeat tunable as a duration.
func (r RelayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalSeconds) * time.Second
}

// GracePeriod returns the grace window as a duration.
func (r RelayConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodSeconds) * time.Second
}

// StaleTimeout returns the staleness window as a duration.
func (r RelayConfig) StaleTimeout() time.Duration {
	return time.Duration(r.StaleTimeoutSeconds) * time.Second
}

// CleanupInterval returns the reaper period as a duration.
func (r RelayConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalSeconds) * time.Second
}

// ShutdownSettle returns the shutdown settle pause as a duration.
func (r RelayConfig) ShutdownSettle() time.Duration {
	return time.Duration(r.ShutdownSettleMS) * time.Millisecond
}
