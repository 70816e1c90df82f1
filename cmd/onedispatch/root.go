// Command onedispatch runs the WebSocket command dispatcher: a OneBot v11
// front server, a routing engine and a pool of supervised upstream
// connections.
package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "onedispatch",
	Short: "WebSocket command dispatcher for OneBot v11 bots",
	Long: `onedispatch accepts OneBot v11 clients on a WebSocket port, routes each
message through configured command sets and forwards it to the matching
upstream backend. Users pick per-category styles; admins steer everything
over an HTTP API.`,
	PersistentPreRun: func(*cobra.Command, []string) {
		// A missing .env is fine; the config file expands ${VAR} itself.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, resolveCmd, versionCmd)
}
