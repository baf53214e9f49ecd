package config

import "github.com/spf13/viper"

// DefaultPort is the relay's default listen port.
const DefaultPort = 3000

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.host", "") // all interfaces
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Log defaults
	v.SetDefault("log.json", false)

	// Relay engine defaults
	v.SetDefault("relay.movement_threshold_degrees", 0.0001) // ~11 m at mid-latitudes
	v.SetDefault("relay.heartbeat_interval_seconds", 15)
	v.SetDefault("relay.grace_period_seconds", 30)
	v.SetDefault("relay.stale_timeout_seconds", 300)
	v.SetDefault("relay.cleanup_interval_seconds", 60)
	v.SetDefault("relay.max_updates_per_minute", 60)
	v.SetDefault("relay.max_snapshot_drivers", 100)
	v.SetDefault("relay.max_clients", 1000)
	v.SetDefault("relay.shutdown_settle_ms", 500)
}
