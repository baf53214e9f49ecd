package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/biyahe/relay/config"
	"github.com/biyahe/relay/errors"
)

// ConfigCmd groups configuration inspection subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect relay configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		source := config.Path()
		if source == "" {
			source = "(defaults + environment)"
		}
		pterm.Info.Println("Config source: " + source)

		data := [][]string{
			{"Key", "Value"},
			{"server.port", pterm.Sprintf("%d", cfg.Server.Port)},
			{"server.host", orAll(cfg.Server.Host)},
			{"relay.movement_threshold_degrees", pterm.Sprintf("%g", cfg.Relay.MovementThresholdDegrees)},
			{"relay.heartbeat_interval_seconds", pterm.Sprintf("%d", cfg.Relay.HeartbeatIntervalSeconds)},
			{"relay.grace_period_seconds", pterm.Sprintf("%d", cfg.Relay.GracePeriodSeconds)},
			{"relay.stale_timeout_seconds", pterm.Sprintf("%d", cfg.Relay.StaleTimeoutSeconds)},
			{"relay.cleanup_interval_seconds", pterm.Sprintf("%d", cfg.Relay.CleanupIntervalSeconds)},
			{"relay.max_updates_per_minute", pterm.Sprintf("%d", cfg.Relay.MaxUpdatesPerMinute)},
			{"relay.max_snapshot_drivers", pterm.Sprintf("%d", cfg.Relay.MaxSnapshotDrivers)},
			{"relay.max_clients", pterm.Sprintf("%d", cfg.Relay.MaxClients)},
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
}

func orAll(host string) string {
	if host == "" {
		return "(all interfaces)"
	}
	return host
}
