// ABOUTME: Restarts agents when an operator edits their openclaw.json
// ABOUTME: fsnotify on each config directory with a per-agent debounce, run under a stopper

package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/2389/fleet-commander/internal/fleet"
	"github.com/2389/fleet-commander/internal/provision"
)

const stopGrace = 100 * time.Millisecond

// CommandSender queues a command for an agent's supervisor without blocking.
type CommandSender interface {
	TrySend(agentID string, cmd fleet.Command) error
}

// pendingRestart is one debounce window for an agent.
type pendingRestart struct {
	timer *time.Timer
}

// Watcher maps config directories to agents and sends Restart on edits.
type Watcher struct {
	fs       *fsnotify.Watcher
	sender   CommandSender
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	dirs   map[string]string // config dir -> agent id
	timers map[string]*pendingRestart
}

// New creates a watcher. Directories are added with Add before Run.
func New(sender CommandSender, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fs:       fsw,
		sender:   sender,
		debounce: debounce,
		logger:   logger.With("component", "config_watcher"),
		dirs:     make(map[string]string),
		timers:   make(map[string]*pendingRestart),
	}, nil
}

// Add watches an agent's config directory.
// The directory itself is watched so atomic renames onto the file are seen.
func (w *Watcher) Add(agentID, configDir string) error {
	dir := filepath.Clean(configDir)
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[dir] = agentID
	w.mu.Unlock()
	w.logger.Debug("watching config", "agent_id", agentID, "dir", dir)
	return nil
}

// Close releases the fsnotify watcher of a watcher that will never Run.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Run processes filesystem events until ctx ends. The fsnotify watcher is
// closed before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		w.mu.Lock()
		for id, p := range w.timers {
			p.timer.Stop()
			delete(w.timers, id)
		}
		w.mu.Unlock()
		_ = w.fs.Close()
	})

	sctx.Go(func(sctx *stopper.Context) error {
		return w.loop(sctx)
	})

	select {
	case <-ctx.Done():
	case <-sctx.Stopping():
	}
	sctx.Stop(stopGrace)
	return sctx.Wait()
}

func (w *Watcher) loop(sctx *stopper.Context) error {
	for {
		select {
		case <-sctx.Stopping():
			return nil
		case <-sctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(sctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(sctx *stopper.Context, event fsnotify.Event) {
	if filepath.Base(event.Name) != provision.ConfigFile {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	agentID, ok := w.dirs[filepath.Dir(event.Name)]
	if !ok {
		return
	}
	if prev, ok := w.timers[agentID]; ok {
		prev.timer.Stop()
	}
	p := &pendingRestart{}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.restart(sctx, agentID, p)
	})
	w.timers[agentID] = p
}

// restart fires when p's debounce window ends. A window replaced by a newer
// event has already been superseded and sends nothing.
func (w *Watcher) restart(sctx *stopper.Context, agentID string, p *pendingRestart) {
	w.mu.Lock()
	if w.timers[agentID] != p {
		w.mu.Unlock()
		return
	}
	delete(w.timers, agentID)
	w.mu.Unlock()

	if sctx.IsStopping() {
		return
	}

	if err := w.sender.TrySend(agentID, fleet.CommandRestart); err != nil {
		w.logger.Warn("restart after config change failed", "agent_id", agentID, "error", err)
		return
	}
	w.logger.Info("config changed, restart queued", "agent_id", agentID)
}
