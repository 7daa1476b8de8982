// ABOUTME: Listener setup for the commander's HTTP and gRPC servers
// ABOUTME: Binds plain TCP or, when enabled, a tailscale tsnet node

package commander

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// setupListeners creates listeners based on configuration (Tailscale or TCP).
// grpcLn is nil when the health service is disabled.
func (c *Commander) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if c.config.Tailscale.Enabled {
		return c.setupTailscaleListeners(ctx)
	}
	return c.setupTCPListeners()
}

// setupTCPListeners creates standard TCP listeners for HTTP and gRPC.
func (c *Commander) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	c.logger.Info("starting commander",
		"http_addr", c.config.Server.HTTPAddr,
		"grpc_addr", c.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", c.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if c.grpcServer == nil {
		return httpLn, nil, nil
	}

	grpcLn, err = net.Listen("tcp", c.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// tailscalePort returns the port part of a configured address, or fallback.
func tailscalePort(addr, fallback string) string {
	if addr == "" {
		return fallback
	}
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return port
	}
	return fallback
}

// setupTailscaleListeners joins the tailnet and listens on the node's address.
func (c *Commander) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := c.config.Tailscale

	if c.config.Server.HTTPAddr != "" {
		c.logger.Warn("server.http_addr host is ignored when tailscale is enabled",
			"http_addr", c.config.Server.HTTPAddr)
	}

	if err := os.MkdirAll(tsCfg.StateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	c.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       tsCfg.StateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	c.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", tsCfg.StateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := c.tsnetServer.Up(ctx)
	if err != nil {
		_ = c.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	c.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = c.tsnetServer.Listen("tcp", ":"+tailscalePort(c.config.Server.HTTPAddr, "80"))
	if err != nil {
		_ = c.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if c.grpcServer == nil {
		return httpLn, nil, nil
	}

	grpcLn, err = c.tsnetServer.Listen("tcp", ":"+tailscalePort(c.config.Server.GRPCAddr, "50051"))
	if err != nil {
		_ = httpLn.Close()
		_ = c.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return httpLn, grpcLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (c *Commander) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		c.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	c.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
