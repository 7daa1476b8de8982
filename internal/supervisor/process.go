// ABOUTME: Worker process spawning, output forwarding and termination
// ABOUTME: Workers run in their own process group and die with the supervisor's context

package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const maxLogLine = 1024 * 1024

// worker is one running instance of an agent's process.
type worker struct {
	cmd    *exec.Cmd
	pid    int
	exited chan error
}

// spawnWorker starts argv with env and forwards its output to logger.
// The process is killed when ctx is cancelled.
func spawnWorker(ctx context.Context, argv []string, env []string, dir string, logger *slog.Logger) (*worker, error) {
	if len(argv) == 0 {
		return nil, errors.New("worker command is empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("starting %s: %w", argv[0], startErr)
	}

	go forwardLines(stdoutR, logger, slog.LevelInfo, "stdout")
	go forwardLines(stderrR, logger, slog.LevelWarn, "stderr")

	w := &worker{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		exited: make(chan error, 1),
	}
	go func() {
		w.exited <- cmd.Wait()
	}()
	return w, nil
}

// forwardLines logs each line read from r until the stream closes.
func forwardLines(r *os.File, logger *slog.Logger, level slog.Level, stream string) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for scanner.Scan() {
		logger.Log(context.Background(), level, scanner.Text(), "stream", stream)
	}
}

// terminate asks the worker's process group to exit, escalating to SIGKILL
// after timeout, and waits for the process to be reaped.
func (w *worker) terminate(timeout time.Duration) error {
	if err := signalGroup(w.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.exited:
		return exitIgnoringSignal(err)
	case <-timer.C:
	}

	if err := signalGroup(w.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("sending SIGKILL: %w", err)
	}
	return exitIgnoringSignal(<-w.exited)
}

// exitIgnoringSignal drops the error produced by a process dying from the
// signal we sent it.
func exitIgnoringSignal(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// workerEnv returns base with each key in vars set, replacing earlier values.
func workerEnv(base []string, vars map[string]string, order []string) []string {
	env := make([]string, 0, len(base)+len(order))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := vars[key]; override {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range order {
		env = append(env, key+"="+vars[key])
	}
	return env
}

// describeExit renders a wait error for logs.
func describeExit(err error) string {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err.Error()
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return "signal " + status.Signal().String()
	}
	return "exit code " + strconv.Itoa(exitErr.ExitCode())
}
