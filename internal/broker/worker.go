package broker

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// WorkerProcess spawns and kills the embedding worker. Exec hooks are
// injected so tests can substitute a fake.
type WorkerProcess struct {
	command    string
	socketPath string
	logPath    string
	logger     *slog.Logger

	// execCommand builds the *exec.Cmd; overridden in tests.
	execCommand func(name string, args ...string) *exec.Cmd

	mu   sync.Mutex
	cmd  *exec.Cmd
	logF *os.File
}

// NewWorkerProcess configures a worker launcher. An empty command means
// the worker is managed externally; Spawn then only waits for its
// socket to appear.
func NewWorkerProcess(command, socketPath, logPath string, logger *slog.Logger) *WorkerProcess {
	return &WorkerProcess{
		command:     command,
		socketPath:  socketPath,
		logPath:     logPath,
		logger:      logger,
		execCommand: exec.Command,
	}
}

// Managed reports whether this process owns the worker's lifetime.
func (w *WorkerProcess) Managed() bool {
	return w.command != ""
}

// Spawn launches the worker with the socket path appended to its
// arguments. Stdout and stderr go to the worker log file, never to the
// tool-protocol channel.
func (w *WorkerProcess) Spawn() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.Managed() {
		return nil
	}
	if w.cmd != nil && w.cmd.Process != nil && w.alive() {
		return nil
	}

	fields := strings.Fields(w.command)
	if len(fields) == 0 {
		return fmt.Errorf("worker command is empty")
	}
	args := append(fields[1:], w.socketPath)

	logF, err := os.OpenFile(w.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open worker log: %w", err)
	}

	cmd := w.execCommand(fields[0], args...)
	cmd.Stdout = logF
	cmd.Stderr = logF
	cmd.Env = append(os.Environ(), "SPECMEM_WORKER_SOCKET="+w.socketPath)

	if err := cmd.Start(); err != nil {
		_ = logF.Close()
		return fmt.Errorf("spawn worker: %w", err)
	}

	w.cmd = cmd
	w.logF = logF
	if w.logger != nil {
		w.logger.Info("worker spawned",
			slog.Int("pid", cmd.Process.Pid),
			slog.String("socket", w.socketPath))
	}

	// Reap the child so a crashed worker never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	return nil
}

// Kill terminates the worker: SIGTERM, a short grace period, then
// SIGKILL. No-op for externally managed workers.
func (w *WorkerProcess) Kill() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil || w.cmd.Process == nil {
		return
	}

	pid := w.cmd.Process.Pid
	_ = w.cmd.Process.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !w.alive() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if w.alive() {
		_ = w.cmd.Process.Kill()
	}

	if w.logger != nil {
		w.logger.Info("worker killed", slog.Int("pid", pid))
	}

	if w.logF != nil {
		_ = w.logF.Close()
		w.logF = nil
	}
	w.cmd = nil
}

// Alive reports whether the spawned worker process still exists.
func (w *WorkerProcess) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive()
}

func (w *WorkerProcess) alive() bool {
	if w.cmd == nil || w.cmd.Process == nil {
		return false
	}
	return w.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// removeStaleSocket removes a leftover socket file with rename-then-
// unlink so a concurrent binder never sees a half-removed path.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	tmp := fmt.Sprintf("%s.stale.%d", path, os.Getpid())
	if err := os.Rename(path, tmp); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Remove(tmp)
}
