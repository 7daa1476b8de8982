// ABOUTME: Commander orchestrator that runs one supervisor per agent
// ABOUTME: Wires the fleet store, journal, HTTP/gRPC surfaces and the shutdown sequence

package commander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/tsnet"
	"vawter.tech/stopper"

	"github.com/2389/fleet-commander/internal/api"
	"github.com/2389/fleet-commander/internal/auth"
	"github.com/2389/fleet-commander/internal/config"
	"github.com/2389/fleet-commander/internal/fleet"
	"github.com/2389/fleet-commander/internal/health"
	"github.com/2389/fleet-commander/internal/journal"
	"github.com/2389/fleet-commander/internal/mcpserver"
	"github.com/2389/fleet-commander/internal/netaddr"
	"github.com/2389/fleet-commander/internal/provision"
	"github.com/2389/fleet-commander/internal/supervisor"
	"github.com/2389/fleet-commander/internal/watch"
)

// Version is reported by the MCP server. Set by the CLI at startup.
var Version = "dev"

// SingleRunFleetID is the fleet id used by RunAgent.
const SingleRunFleetID = "single-run"

const (
	shutdownTimeout = 5 * time.Second
	// drainGrace is added to the worker stop timeout when waiting for
	// supervisors to finish.
	drainGrace = 2 * time.Second
)

// AgentSpec is the static identity of one agent.
type AgentSpec struct {
	ID   string
	Port int
	IPv6 string
}

// Agents derives the agent list from cfg. An address that cannot be derived
// is logged and left empty.
func Agents(cfg *config.Config, logger *slog.Logger) []AgentSpec {
	if logger == nil {
		logger = slog.Default()
	}
	specs := make([]AgentSpec, 0, cfg.Fleet.Count)
	for i := 0; i < cfg.Fleet.Count; i++ {
		spec := AgentSpec{
			ID:   cfg.AgentID(i),
			Port: cfg.AgentPort(i),
		}
		if cfg.Fleet.IPv6Prefix != "" {
			addr, err := netaddr.CalculateIPv6(cfg.Fleet.IPv6Prefix, uint64(i))
			if err != nil {
				logger.Error("failed to calculate IPv6", "agent_id", spec.ID, "error", err)
			} else {
				spec.IPv6 = addr
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// Commander runs a fleet of supervised agents and the surfaces that expose it.
type Commander struct {
	config      *config.Config
	projectRoot string
	agents      []AgentSpec
	logger      *slog.Logger

	store       *fleet.Store
	broadcaster *fleet.Broadcaster
	journal     *journal.Journal
	health      *health.Service
	watcher     *watch.Watcher

	httpServer  *http.Server
	grpcServer  *grpc.Server
	tsnetServer *tsnet.Server

	// supervisorFactory is replaced in tests.
	supervisorFactory func(opts supervisor.Options, commands *fleet.CommandChannel) runner

	readyOnce sync.Once
	ready     chan struct{}
	httpAddr  string
	grpcAddr  string
}

type runner interface {
	Run(ctx context.Context) error
}

// New creates a commander and registers every agent in Starting status.
func New(cfg *config.Config, logger *slog.Logger) (*Commander, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root, err := resolveProjectRoot(cfg.Fleet.ProjectRoot)
	if err != nil {
		return nil, err
	}

	broadcaster := fleet.NewBroadcaster(logger)
	c := &Commander{
		config:      cfg,
		projectRoot: root,
		agents:      Agents(cfg, logger),
		logger:      logger.With("component", "commander"),
		broadcaster: broadcaster,
		store:       fleet.NewStore(logger, broadcaster),
		ready:       make(chan struct{}),
	}
	c.supervisorFactory = func(opts supervisor.Options, commands *fleet.CommandChannel) runner {
		return supervisor.New(opts, c.store, commands, logger)
	}

	for _, spec := range c.agents {
		if err := c.store.Register(fleet.AgentState{
			ID:      spec.ID,
			FleetID: cfg.Fleet.ID,
			Port:    spec.Port,
			IPv6:    spec.IPv6,
		}, fleet.NewCommandChannel(fleet.DefaultCommandCapacity)); err != nil {
			return nil, fmt.Errorf("registering %s: %w", spec.ID, err)
		}
	}

	c.journal, err = journal.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	mux := http.NewServeMux()
	api.NewStatusAPI(c.store, api.StatusOptions{
		Journal:     c.journal,
		Broadcaster: broadcaster,
	}, logger).Register(mux)

	if err := c.registerControlAPI(mux); err != nil {
		_ = c.journal.Close()
		return nil, err
	}

	if cfg.API.MCP {
		mcpserver.New(c.store, Version, logger).RegisterRoutes(mux)
		c.logger.Info("MCP status tool enabled at /mcp")
	}

	c.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		c.health = health.New(c.store, logger)
		c.grpcServer = health.NewServer()
		c.health.Register(c.grpcServer)
	}

	if cfg.Agents.RestartOnConfigChange {
		if err := c.setupWatcher(); err != nil {
			_ = c.journal.Close()
			return nil, err
		}
	}

	return c, nil
}

// registerControlAPI mounts the control routes when enabled, with JWT auth
// if a secret is configured.
func (c *Commander) registerControlAPI(mux *http.ServeMux) error {
	if !c.config.API.Control {
		return nil
	}
	control := api.NewControlAPI(c.store, c.logger)
	if c.config.Auth.JWTSecret == "" {
		control.Register(mux, nil)
		c.logger.Warn("control API enabled without auth - no jwt_secret configured")
		return nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(c.config.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	control.Register(mux, verifier)
	c.logger.Info("control API enabled with JWT auth")
	return nil
}

// setupWatcher provisions each agent up front, so the watcher never sees the
// initial config write, then watches every config directory.
func (c *Commander) setupWatcher() error {
	w, err := watch.New(c.store, c.config.Agents.ConfigDebounce, c.logger)
	if err != nil {
		return err
	}
	for _, spec := range c.agents {
		home, err := provision.EnsureConfig(spec.ID, c.projectRoot, spec.Port)
		if err != nil {
			_ = w.Close()
			return fmt.Errorf("provisioning %s: %w", spec.ID, err)
		}
		if err := w.Add(spec.ID, filepath.Join(home, provision.ConfigDir)); err != nil {
			_ = w.Close()
			return err
		}
	}
	c.watcher = w
	return nil
}

// Store returns the fleet store.
func (c *Commander) Store() *fleet.Store {
	return c.store
}

// Ready is closed once the servers are listening.
func (c *Commander) Ready() <-chan struct{} {
	return c.ready
}

// HTTPAddr returns the bound HTTP address. Valid after Ready.
func (c *Commander) HTTPAddr() string {
	return c.httpAddr
}

// GRPCAddr returns the bound gRPC address, empty when disabled. Valid after Ready.
func (c *Commander) GRPCAddr() string {
	return c.grpcAddr
}

// Run starts every supervisor and the servers, and blocks until ctx is
// cancelled or a server fails. Workers are terminated before Run returns.
func (c *Commander) Run(ctx context.Context) error {
	httpLn, grpcLn, err := c.setupListeners(ctx)
	if err != nil {
		_ = c.journal.Close()
		return err
	}

	// Supervisors outlive ctx so they can stop workers gracefully once
	// their command channels close.
	supervisors := stopper.WithContext(context.WithoutCancel(ctx))
	consumers := stopper.WithContext(context.WithoutCancel(ctx))

	c.startConsumers(consumers)
	c.startSupervisors(supervisors)
	if c.watcher != nil {
		watcher := c.watcher
		consumers.Go(func(s *stopper.Context) error {
			return watcher.Run(s)
		})
	}

	errCh := c.startServers(httpLn, grpcLn)
	c.readyOnce.Do(func() { close(c.ready) })

	serverErr := c.waitForShutdownSignal(ctx, errCh)

	c.drainSupervisors(supervisors)

	// Transitions stop flowing once supervisors are gone.
	c.broadcaster.Close()
	consumers.Stop(drainGrace)
	if err := consumers.Wait(); err != nil {
		c.logger.Warn("background task error", "error", err)
	}

	shutdownErr := c.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (c *Commander) startSupervisors(sctx *stopper.Context) {
	for _, spec := range c.agents {
		commands, err := c.store.Commands(spec.ID)
		if err != nil {
			c.logger.Error("missing command channel", "agent_id", spec.ID, "error", err)
			continue
		}
		sup := c.supervisorFactory(supervisor.Options{
			AgentID:     spec.ID,
			ProjectRoot: c.projectRoot,
			Port:        spec.Port,
			IPv6:        spec.IPv6,
			Command:     c.config.Worker.Command,
			StopTimeout: c.config.Worker.StopTimeout,
			BackoffUnit: c.config.Worker.BackoffUnit,
		}, commands)
		sctx.Go(func(s *stopper.Context) error {
			return sup.Run(s)
		})
	}
	c.logger.Info("fleet started", "fleet_id", c.config.Fleet.ID, "agents", len(c.agents))
}

func (c *Commander) startConsumers(sctx *stopper.Context) {
	events, _ := c.broadcaster.Subscribe(sctx)
	j := c.journal
	sctx.Go(func(s *stopper.Context) error {
		return j.Run(s, events)
	})

	if c.health != nil {
		healthEvents, _ := c.broadcaster.Subscribe(sctx)
		h := c.health
		sctx.Go(func(s *stopper.Context) error {
			return h.Run(s, healthEvents)
		})
	}
}

// drainSupervisors closes every command channel and waits for the
// supervisors to stop their workers.
func (c *Commander) drainSupervisors(sctx *stopper.Context) {
	c.logger.Info("stopping agents")
	c.store.CloseAll()
	sctx.Stop(c.config.Worker.StopTimeout + drainGrace)
	if err := sctx.Wait(); err != nil {
		c.logger.Warn("supervisor error", "error", err)
	}
	c.logger.Info("all agents stopped")
}

// startServers starts the HTTP and gRPC servers in goroutines, returning error channel.
func (c *Commander) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	c.httpAddr = httpLn.Addr().String()
	go func() {
		c.logger.Info("HTTP server listening", "addr", c.httpAddr)
		if err := c.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		c.grpcAddr = grpcLn.Addr().String()
		go func() {
			c.logger.Info("gRPC health server listening", "addr", c.grpcAddr)
			if err := c.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (c *Commander) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		c.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		c.logger.Error("server error", "error", err)
		c.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (c *Commander) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		c.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (c *Commander) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (c *Commander) shutdownGRPCServer(ctx context.Context) {
	if c.grpcServer == nil {
		return
	}
	c.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		c.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		c.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and releases resources. Agents must already be
// stopped.
func (c *Commander) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down commander")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", c.httpServer.Shutdown(ctx))

	c.shutdownGRPCServer(ctx)

	if c.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", c.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "journal close", c.journal.Close())

	return errors.Join(errs...)
}

// resolveProjectRoot returns the configured root, or the directory holding
// openclaw.mjs relative to the working directory.
func resolveProjectRoot(configured string) (string, error) {
	if configured != "" {
		return filepath.Abs(configured)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return provision.ResolveProjectRoot(wd), nil
}
