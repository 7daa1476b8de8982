// ABOUTME: Entry point for fleet-commander, the OpenClaw fleet supervisor
// ABOUTME: Cobra root command, config resolution and signal handling

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/fleet-commander/internal/commander"
	"github.com/2389/fleet-commander/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _                                                   _
 / _| | ___  ___| |_       ___ ___  _ __ ___  _ __ ___   __ _ _ __   __| | ___ _ __
| |_| |/ _ \/ _ \ __|____ / __/ _ \| '_ ' _ \| '_ ' _ \ / _' | '_ \ / _' |/ _ \ '__|
|  _| |  __/  __/ ||_____| (_| (_) | | | | | | | | | | | (_| | | | | (_| |  __/ |
|_| |_|\___|\___|\__|     \___\___/|_| |_| |_|_| |_| |_|\__,_|_| |_|\__,_|\___|_|
`

var rootCmd = &cobra.Command{
	Use:           "fleet-commander",
	Short:         "OpenClaw fleet orchestrator",
	Long:          "Supervises a fleet of OpenClaw gateway workers: restarts them on crash, accepts stop/start/restart commands and reports their status.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML or TOML config file (env COMMANDER_CONFIG)")
}

// getConfigPath returns the config file path.
// Priority: --config flag > COMMANDER_CONFIG env var > none (defaults only).
func getConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return os.Getenv("COMMANDER_CONFIG")
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := getConfigPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	commander.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
