// ABOUTME: status and health commands that query a running commander over HTTP
// ABOUTME: Prints the agent table the way the status endpoint reports it

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleet-commander/internal/fleet"
)

const requestTimeout = 10 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every agent in a running fleet",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that a running commander answers its health endpoint",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, healthCmd} {
		c.Flags().String("url", "", "commander base URL (defaults to server.http_addr)")
	}
	rootCmd.AddCommand(statusCmd, healthCmd)
}

// baseURL resolves the commander URL from --url or the configured listen
// address. Wildcard hosts are dialed on loopback.
func baseURL(cmd *cobra.Command) (string, error) {
	if u, _ := cmd.Flags().GetString("url"); u != "" {
		return strings.TrimRight(u, "/"), nil
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Server.HTTPAddr == "" {
		return "", fmt.Errorf("server.http_addr is not set; pass --url")
	}
	return listenAddrURL(cfg.Server.HTTPAddr)
}

func listenAddrURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid http_addr %q: %w", addr, err)
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func fetchStatus(ctx context.Context, client *http.Client, base string) ([]fleet.StatusRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var records []fleet.StatusRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return records, nil
}

func statusColor(s fleet.AgentStatus) *color.Color {
	switch s {
	case fleet.StatusRunning:
		return color.New(color.FgGreen)
	case fleet.StatusFailed:
		return color.New(color.FgRed)
	case fleet.StatusStopped:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgYellow)
	}
}

func renderStatus(out io.Writer, records []fleet.StatusRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "  No agents.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tPORT\tPID\tIPV6\tUPTIME")
	fmt.Fprintln(w, "  --\t------\t----\t---\t----\t------")
	for _, r := range records {
		pid := "-"
		if r.PID != nil {
			pid = fmt.Sprintf("%d", *r.PID)
		}
		ipv6 := "-"
		if r.IPv6 != nil {
			ipv6 = *r.IPv6
		}
		uptime := (time.Duration(r.UptimeSecs) * time.Second).String()
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, statusColor(r.Status).Sprint(r.Status), r.Port, pid, ipv6, uptime)
	}
	w.Flush()
}

func runStatus(cmd *cobra.Command, _ []string) error {
	base, err := baseURL(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	records, err := fetchStatus(ctx, &http.Client{}, base)
	if err != nil {
		return err
	}

	fmt.Println()
	renderStatus(os.Stdout, records)
	fmt.Println()
	return nil
}

func checkHealth(ctx context.Context, client *http.Client, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting health: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	base, err := baseURL(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	body, err := checkHealth(ctx, &http.Client{}, base)
	if err != nil {
		color.New(color.FgRed).Print("✗ ")
		fmt.Println(base)
		return err
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("%s %s\n", base, body)
	return nil
}
