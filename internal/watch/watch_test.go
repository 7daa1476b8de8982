// ABOUTME: Tests for the config watcher
// ABOUTME: Writes real files under t.TempDir and checks debounced Restart delivery

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vawter.tech/stopper"

	"github.com/2389/fleet-commander/internal/fleet"
	"github.com/2389/fleet-commander/internal/provision"
)

type sent struct {
	agentID string
	cmd     fleet.Command
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingSender) TrySend(agentID string, cmd fleet.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{agentID, cmd})
	return nil
}

func (r *recordingSender) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func startWatcher(t *testing.T, sender CommandSender, debounce time.Duration, agents map[string]string) {
	t.Helper()
	w, err := New(sender, debounce, nil)
	require.NoError(t, err)
	for id, dir := range agents {
		require.NoError(t, w.Add(id, dir))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
}

func TestWatcher_RestartsOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	sender := &recordingSender{}
	startWatcher(t, sender, 30*time.Millisecond, map[string]string{"fleet-local-0": dir})

	path := filepath.Join(dir, provision.ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))

	require.Eventually(t, func() bool { return len(sender.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// A burst of writes collapses into a single restart.
	time.Sleep(100 * time.Millisecond)
	got := sender.all()
	require.Len(t, got, 1)
	assert.Equal(t, "fleet-local-0", got[0].agentID)
	assert.Equal(t, fleet.CommandRestart, got[0].cmd)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	sender := &recordingSender{}
	startWatcher(t, sender, 10*time.Millisecond, map[string]string{"a": dir})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, sender.all())
}

func TestWatcher_RoutesByDirectory(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	sender := &recordingSender{}
	startWatcher(t, sender, 10*time.Millisecond, map[string]string{"a": dirA, "b": dirB})

	require.NoError(t, os.WriteFile(filepath.Join(dirB, provision.ConfigFile), []byte(`{}`), 0o600))

	require.Eventually(t, func() bool { return len(sender.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "b", sender.all()[0].agentID)
}

func TestWatcher_SupersededWindowSendsNothing(t *testing.T) {
	sender := &recordingSender{}
	w, err := New(sender, time.Hour, nil)
	require.NoError(t, err)
	defer func() { _ = w.fs.Close() }()

	sctx := stopper.WithContext(context.Background())
	defer sctx.Stop(0)

	stale := &pendingRestart{timer: time.NewTimer(time.Hour)}
	current := &pendingRestart{timer: time.NewTimer(time.Hour)}
	defer stale.timer.Stop()
	defer current.timer.Stop()

	w.mu.Lock()
	w.timers["a"] = current
	w.mu.Unlock()

	// The replaced window fired after the newer one was scheduled.
	w.restart(sctx, "a", stale)
	assert.Empty(t, sender.all())
	w.mu.Lock()
	assert.Same(t, current, w.timers["a"])
	w.mu.Unlock()

	w.restart(sctx, "a", current)
	require.Len(t, sender.all(), 1)
	w.mu.Lock()
	assert.Empty(t, w.timers)
	w.mu.Unlock()
}

func TestWatcher_FullQueueDropsRestart(t *testing.T) {
	dir := t.TempDir()
	store := fleet.NewStore(nil, nil)
	commands := fleet.NewCommandChannel(1)
	require.NoError(t, store.Register(fleet.AgentState{ID: "a"}, commands))
	require.NoError(t, commands.TrySend(fleet.CommandStop))

	startWatcher(t, store, 10*time.Millisecond, map[string]string{"a": dir})
	require.NoError(t, os.WriteFile(filepath.Join(dir, provision.ConfigFile), []byte(`{}`), 0o600))

	// The watcher never blocks on a full queue; the queued command is untouched.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, fleet.CommandStop, <-commands.Receive())
	select {
	case cmd := <-commands.Receive():
		t.Fatalf("unexpected command %s", cmd)
	default:
	}
}

func TestWatcher_Close(t *testing.T) {
	w, err := New(&recordingSender{}, time.Millisecond, nil)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.Error(t, w.Add("a", t.TempDir()))
}

func TestWatcher_AddMissingDir(t *testing.T) {
	w, err := New(&recordingSender{}, time.Millisecond, nil)
	require.NoError(t, err)
	defer func() { _ = w.fs.Close() }()

	err = w.Add("a", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestWatcher_SendsThroughStore(t *testing.T) {
	dir := t.TempDir()
	store := fleet.NewStore(nil, nil)
	commands := fleet.NewCommandChannel(fleet.DefaultCommandCapacity)
	require.NoError(t, store.Register(fleet.AgentState{ID: "a"}, commands))

	startWatcher(t, store, 10*time.Millisecond, map[string]string{"a": dir})
	require.NoError(t, os.WriteFile(filepath.Join(dir, provision.ConfigFile), []byte(`{}`), 0o600))

	select {
	case cmd := <-commands.Receive():
		assert.Equal(t, fleet.CommandRestart, cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("no restart delivered")
	}
}
