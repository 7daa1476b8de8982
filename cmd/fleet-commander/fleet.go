// ABOUTME: start-fleet and run-agent commands
// ABOUTME: Print the startup banner and hand control to the commander

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleet-commander/internal/commander"
	"github.com/2389/fleet-commander/internal/config"
)

var startFleetCmd = &cobra.Command{
	Use:   "start-fleet",
	Short: "Start the fleet and its status API",
	Long: `Start --count agents named <fleet_id>-<i> on ports base_port+i*100 and
serve their status on server.http_addr (default 0.0.0.0:<base_port-1>).

Fleet id, IPv6 prefix and base port come from the config file or
COMMANDER_FLEET_ID, COMMANDER_IPV6_PREFIX and COMMANDER_BASE_PORT.`,
	Args: cobra.NoArgs,
	RunE: runStartFleet,
}

var runAgentCmd = &cobra.Command{
	Use:   "run-agent",
	Short: "Supervise a single agent in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runRunAgent,
}

func init() {
	startFleetCmd.Flags().Int("count", 1, "number of agents to spawn")

	runAgentCmd.Flags().String("id", "", "unique agent id (required)")
	runAgentCmd.Flags().String("ipv6", os.Getenv("OPENCLAW_BIND_IP"), "IPv6 address to bind (env OPENCLAW_BIND_IP)")
	runAgentCmd.Flags().Int("port", config.DefaultBasePort, "gateway port for this agent")
	_ = runAgentCmd.MarkFlagRequired("id")

	rootCmd.AddCommand(startFleetCmd, runAgentCmd)
}

func printBanner() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)
}

func printStartup(cfg *config.Config, configPath string) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	if configPath == "" {
		configPath = "(defaults)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Fleet:     %s (%d agents from port %d)\n", cfg.Fleet.ID, cfg.Fleet.Count, cfg.Fleet.BasePort)
	if cfg.Fleet.IPv6Prefix != "" {
		green.Print("    ▶ ")
		fmt.Printf("IPv6:      %s\n", cfg.Fleet.IPv6Prefix)
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()
}

func runStartFleet(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("count") {
		count, _ := cmd.Flags().GetInt("count")
		cfg.Fleet.Count = count
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}
	}

	printBanner()
	printStartup(cfg, configPath)

	logger := setupLogger(cfg.Logging, os.Stdout)
	logger.Info("starting fleet",
		"fleet_id", cfg.Fleet.ID,
		"count", cfg.Fleet.Count,
		"base_port", cfg.Fleet.BasePort,
		"http_addr", cfg.Server.HTTPAddr,
	)

	c, err := commander.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating commander: %w", err)
	}
	return c.Run(cmd.Context())
}

func runRunAgent(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	id, _ := cmd.Flags().GetString("id")
	ipv6, _ := cmd.Flags().GetString("ipv6")
	port, _ := cmd.Flags().GetInt("port")

	logger := setupLogger(cfg.Logging, os.Stdout)
	logger.Info("running single agent", "agent_id", id, "port", port, "ipv6", ipv6)

	return commander.RunAgent(cmd.Context(), cfg, commander.AgentSpec{
		ID:   id,
		Port: port,
		IPv6: ipv6,
	}, logger)
}
