package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/biyahe/relay/cmd/biyahe/commands"
	"github.com/biyahe/relay/logger"
)

var rootCmd = &cobra.Command{
	Use:   "biyahe",
	Short: "biyahe - soft-realtime fleet tracking relay",
	Long: `biyahe relays live driver positions, routes, and occupancy to map
subscribers over WebSocket. The server holds no durable state: drivers
announce themselves, users subscribe, and the relay keeps the two sides in
sync while gating abusive producers and surviving short reconnections.

Available commands:
  serve    - Start the relay server
  config   - Show the resolved configuration
  version  - Show version information

Examples:
  biyahe serve                 # Start the relay on the configured port
  biyahe serve --port 8080     # Override the listen port
  biyahe config show           # Print the effective configuration`,
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
