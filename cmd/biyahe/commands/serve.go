package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/biyahe/relay/config"
	"github.com/biyahe/relay/errors"
	"github.com/biyahe/relay/logger"
	"github.com/biyahe/relay/server"
	"github.com/biyahe/relay/version"
)

// ServeCmd starts the relay server.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the fleet tracking relay server",
	Long:    `Launch the WebSocket relay. Drivers connect and push position, route, and occupancy updates; users connect and receive the live fan-out.`,
	RunE:    runServe,
}

var (
	servePort       int
	serveHost       string
	serveConfigFile string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides config)")
	ServeCmd.Flags().StringVar(&serveConfigFile, "config", "", "Config file path (overrides search paths)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveConfigFile)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if err := logger.Initialize(cfg.Log.JSON); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}

	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}
	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}

	printBanner(port, host)

	srv := server.NewRelayServer(cfg, logger.Named("relay"))

	// Hot-reload the engine tunables when the config file changes. Only the
	// search-path config is watched: the watcher reloads through the global
	// loader, which knows nothing about --config.
	var watcher *config.ConfigWatcher
	if path := configPath(serveConfigFile); path != "" {
		watcher, err = config.NewConfigWatcher(path)
		if err != nil {
			logger.Warnw("Config watcher unavailable", "path", path, "error", err)
		} else {
			watcher.OnReload(srv.ApplyConfig)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(host, port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "relay failed to start")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Relay stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

func printBanner(port int, host string) {
	info := version.Get()
	display := host
	if display == "" {
		display = "0.0.0.0"
	}
	pterm.DefaultBox.WithTitle("biyahe relay").Println(
		"version " + info.Version + " (" + info.Short() + ")\n" +
			"listening on " + display + ":" + pterm.Sprintf("%d", port) + "\n" +
			"websocket endpoint /ws",
	)
}

// loadConfig resolves configuration from an explicit file or the search
// paths.
func loadConfig(explicit string) (*config.Config, error) {
	if explicit != "" {
		return config.LoadFromFile(explicit)
	}
	return config.Load()
}

// configPath returns the config file to watch, or "" when running on an
// explicit --config file or purely on defaults and env.
func configPath(explicit string) string {
	if explicit != "" {
		return ""
	}
	return config.Path()
}
