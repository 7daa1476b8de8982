// ABOUTME: Per-agent supervisor state machine: spawn, monitor, restart with backoff
// ABOUTME: Races worker exit against operator commands and publishes every transition

package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/2389/fleet-commander/internal/fleet"
	"github.com/2389/fleet-commander/internal/provision"
)

// DefaultStopTimeout is how long a worker gets to exit after SIGTERM.
const DefaultStopTimeout = 10 * time.Second

// ProvisionFunc prepares an agent's home directory and returns its path.
type ProvisionFunc func(agentID, projectRoot string, port int) (string, error)

// Options describes one supervised agent.
type Options struct {
	AgentID     string
	ProjectRoot string
	Port        int
	IPv6        string

	// Command is the worker argv. Defaults to node <root>/openclaw.mjs gateway run.
	Command []string
	// Env is the base environment for the worker. Defaults to os.Environ().
	Env []string

	StopTimeout time.Duration
	BackoffUnit time.Duration
	ResetWindow time.Duration

	Provision ProvisionFunc
}

// DefaultCommand returns the worker command for a project root.
func DefaultCommand(projectRoot string) []string {
	return []string{"node", filepath.Join(projectRoot, provision.EntryPoint), "gateway", "run"}
}

type outcome int

const (
	// outcomeIdle: the worker is gone and the agent is Stopped until Start.
	outcomeIdle outcome = iota
	// outcomeCrashed: the attempt failed, schedule a restart with backoff.
	outcomeCrashed
	// outcomeRespawn: spawn again immediately.
	outcomeRespawn
	// outcomeExit: the command channel closed or the context ended.
	outcomeExit
)

// Supervisor owns the lifecycle of a single agent.
type Supervisor struct {
	opts     Options
	store    *fleet.Store
	commands *fleet.CommandChannel
	watchdog *Watchdog
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a supervisor for an agent already registered in store.
func New(opts Options, store *fleet.Store, commands *fleet.CommandChannel, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Command) == 0 {
		opts.Command = DefaultCommand(opts.ProjectRoot)
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Provision == nil {
		opts.Provision = provision.EnsureConfig
	}

	return &Supervisor{
		opts:     opts,
		store:    store,
		commands: commands,
		watchdog: NewWatchdog(opts.BackoffUnit, opts.ResetWindow, time.Now()),
		logger:   logger.With("agent", opts.AgentID),
		now:      time.Now,
	}
}

// Run drives the agent until its command channel is closed or ctx ends.
// A live worker is terminated before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", "port", s.opts.Port, "ipv6", s.opts.IPv6)
	defer s.logger.Info("supervisor exited")

	for {
		// An operator can cancel a spawn that has not begun yet.
		select {
		case cmd := <-s.commands.Receive():
			if cmd == fleet.CommandStop {
				s.setStatus(fleet.StatusStopped, 0)
				s.logger.Info("agent stopped by command")
				if !s.waitForStart(ctx) {
					return nil
				}
			}
		default:
		}

		if s.shuttingDown(ctx) {
			s.setStatus(fleet.StatusStopped, 0)
			return nil
		}

		switch s.spawnAndMonitor(ctx) {
		case outcomeExit:
			return nil
		case outcomeRespawn:
			continue
		case outcomeIdle:
			if !s.waitForStart(ctx) {
				return nil
			}
			continue
		case outcomeCrashed:
		}

		if !s.backoff(ctx) {
			return nil
		}
	}
}

// backoff waits out the watchdog delay. Returns false when the supervisor
// should exit.
func (s *Supervisor) backoff(ctx context.Context) bool {
	delay := s.watchdog.Next(s.now())
	s.setStatus(fleet.StatusRestarting, 0)
	s.logger.Info("restarting agent",
		"backoff", delay,
		"restart_count", s.watchdog.Count())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case cmd := <-s.commands.Receive():
		if cmd == fleet.CommandStop {
			s.setStatus(fleet.StatusStopped, 0)
			s.logger.Info("agent stopped during backoff")
			return s.waitForStart(ctx)
		}
		s.logger.Info("backoff interrupted", "command", cmd)
		return true
	case <-s.commands.Done():
		if cmd, ok := s.queued(); ok {
			if cmd == fleet.CommandStop {
				s.setStatus(fleet.StatusStopped, 0)
				return s.waitForStart(ctx)
			}
			return true
		}
	case <-ctx.Done():
	}
	s.setStatus(fleet.StatusStopped, 0)
	return false
}

// waitForStart blocks while the agent is Stopped. Returns true on Start or
// Restart, false when the supervisor should exit.
func (s *Supervisor) waitForStart(ctx context.Context) bool {
	for {
		select {
		case cmd := <-s.commands.Receive():
			if cmd == fleet.CommandStart || cmd == fleet.CommandRestart {
				s.logger.Info("agent start requested", "command", cmd)
				return true
			}
		case <-s.commands.Done():
			cmd, ok := s.queued()
			if !ok {
				return false
			}
			if cmd == fleet.CommandStart || cmd == fleet.CommandRestart {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

// queued takes the next command left in the buffer, if any. Once the
// channel is closed, select may pick Done over commands sent before the
// close; callers drain with queued so those still apply in order.
func (s *Supervisor) queued() (fleet.Command, bool) {
	select {
	case cmd := <-s.commands.Receive():
		return cmd, true
	default:
		return "", false
	}
}

func (s *Supervisor) shuttingDown(ctx context.Context) bool {
	return ctx.Err() != nil || s.commands.Closed()
}

// spawnAndMonitor runs one worker instance to completion.
func (s *Supervisor) spawnAndMonitor(ctx context.Context) outcome {
	s.setStatus(fleet.StatusStarting, 0)

	home, err := s.opts.Provision(s.opts.AgentID, s.opts.ProjectRoot, s.opts.Port)
	if err != nil {
		s.logger.Error("provisioning failed", "error", err)
		s.setStatus(fleet.StatusFailed, 0)
		return outcomeCrashed
	}

	s.logger.Info("spawning process", "command", s.opts.Command)
	w, err := spawnWorker(ctx, s.opts.Command, s.environment(home), s.opts.ProjectRoot, s.logger)
	if err != nil {
		s.logger.Error("spawn failed", "error", err)
		s.setStatus(fleet.StatusFailed, 0)
		return outcomeCrashed
	}
	s.setStatus(fleet.StatusRunning, w.pid)

	for {
		select {
		case err := <-w.exited:
			if err == nil {
				s.setStatus(fleet.StatusStopped, 0)
				s.logger.Info("process exited successfully", "pid", w.pid)
				return outcomeIdle
			}
			s.logger.Error("process crashed", "pid", w.pid, "status", describeExit(err))
			s.setStatus(fleet.StatusFailed, 0)
			return outcomeCrashed

		case cmd := <-s.commands.Receive():
			if out, done := s.handleCommand(w, cmd); done {
				return out
			}

		case <-s.commands.Done():
			if cmd, ok := s.queued(); ok {
				if out, done := s.handleCommand(w, cmd); done {
					return out
				}
				continue
			}
			s.stopWorker(w)
			s.setStatus(fleet.StatusStopped, 0)
			return outcomeExit

		case <-ctx.Done():
			// exec.CommandContext kills the process group; wait for the reap.
			<-w.exited
			s.setStatus(fleet.StatusStopped, 0)
			return outcomeExit
		}
	}
}

// handleCommand applies an operator command to a running worker. done is
// false when the worker keeps running.
func (s *Supervisor) handleCommand(w *worker, cmd fleet.Command) (out outcome, done bool) {
	switch cmd {
	case fleet.CommandStop:
		s.logger.Info("stopping process", "pid", w.pid)
		s.stopWorker(w)
		s.setStatus(fleet.StatusStopped, 0)
		return outcomeIdle, true
	case fleet.CommandRestart:
		s.logger.Info("restarting process", "pid", w.pid)
		s.stopWorker(w)
		return outcomeRespawn, true
	case fleet.CommandStart:
		s.logger.Debug("start ignored, already running")
	}
	return 0, false
}

func (s *Supervisor) stopWorker(w *worker) {
	s.setStatus(fleet.StatusStopping, w.pid)
	if err := w.terminate(s.opts.StopTimeout); err != nil {
		s.logger.Warn("terminating process", "pid", w.pid, "error", err)
	}
}

func (s *Supervisor) environment(home string) []string {
	vars := map[string]string{
		"HOME":                  home,
		"OPENCLAW_GATEWAY_PORT": strconv.Itoa(s.opts.Port),
	}
	order := []string{"HOME", "OPENCLAW_GATEWAY_PORT"}
	if s.opts.IPv6 != "" {
		vars["OPENCLAW_BAILEYS_BIND_IP"] = s.opts.IPv6
		order = append(order, "OPENCLAW_BAILEYS_BIND_IP")
	}
	return workerEnv(s.opts.Env, vars, order)
}

func (s *Supervisor) setStatus(status fleet.AgentStatus, pid int) {
	if err := s.store.Update(s.opts.AgentID, status, pid); err != nil {
		s.logger.Warn("status update rejected", "status", status, "error", err)
	}
}

