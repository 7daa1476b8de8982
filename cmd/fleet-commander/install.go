// ABOUTME: install command that registers the commander as a systemd service
// ABOUTME: Must run from the project root, usually with sudo

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleet-commander/internal/config"
	"github.com/2389/fleet-commander/internal/service"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the commander as a systemd service (requires sudo)",
	Args:  cobra.NoArgs,
	RunE:  runInstall,
}

func init() {
	installCmd.Flags().String("fleet-id", "fleet-default", "fleet id for this server")
	installCmd.Flags().String("ipv6-prefix", "", "IPv6 prefix for this server (e.g. 2001:db8::)")
	installCmd.Flags().Int("base-port", config.DefaultBasePort, "base port for the fleet")
	installCmd.Flags().String("user", "", "user to run the service as (defaults to $USER)")
	installCmd.Flags().Int("count", 1, "number of agents the service starts")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, _ []string) error {
	fleetID, _ := cmd.Flags().GetString("fleet-id")
	prefix, _ := cmd.Flags().GetString("ipv6-prefix")
	basePort, _ := cmd.Flags().GetInt("base-port")
	user, _ := cmd.Flags().GetString("user")
	count, _ := cmd.Flags().GetInt("count")

	green := color.New(color.FgGreen)
	bold := color.New(color.Bold)

	fmt.Println("Installing OpenClaw Commander...")
	res, err := service.Install(service.Options{
		FleetID:    fleetID,
		IPv6Prefix: prefix,
		BasePort:   basePort,
		Count:      count,
		User:       user,
	})
	if err != nil {
		return err
	}

	green.Print("✓ ")
	fmt.Printf("Binary installed to %s\n", res.BinaryPath)
	green.Print("✓ ")
	fmt.Printf("Unit written to %s\n", res.UnitPath)

	fmt.Println()
	bold.Println("To enable and start the service, run:")
	fmt.Println("  sudo systemctl daemon-reload")
	fmt.Printf("  sudo systemctl enable --now %s\n", res.UnitName)
	fmt.Println()
	bold.Println("To view logs:")
	fmt.Printf("  journalctl -u %s -f\n", res.UnitName)
	return nil
}
