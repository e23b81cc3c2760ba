package instance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/specmem/specmem/internal/errors"
)

// Startup lock parameters.
const (
	// startupLockTimeout is the age beyond which a startup lock is
	// considered abandoned.
	startupLockTimeout = 30 * time.Second

	// minLockAge protects freshly created locks: locks younger than
	// this are never deleted, whatever their owner looks like.
	minLockAge = 5 * time.Second

	// lockRetries bounds the wait for a contended startup lock.
	lockRetries = 15

	// lockRetryDelay is the base backoff between attempts.
	lockRetryDelay = 200 * time.Millisecond
)

// lockInfo is the startup lock file content.
type lockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Hostname  string    `json:"hostname"`
}

// StartupLock is the short-lived exclusive file guarding the startup
// sequence. It exists only between steps 2 and 5 of the sequence.
type StartupLock struct {
	path   string
	logger *slog.Logger
	owned  bool

	// firstSeen tracks when this process first observed a foreign
	// lock. Ages are taken from this monotonic observation when the
	// file's wall-clock timestamps look skewed.
	firstSeen time.Time
}

// NewStartupLock prepares a lock manager for the given path.
func NewStartupLock(path string, logger *slog.Logger) *StartupLock {
	return &StartupLock{path: path, logger: logger}
}

// Acquire creates the lock with exclusive semantics, waiting with
// backoff when another live startup holds it and taking over locks
// whose owner is dead or which exceeded the startup-lock timeout.
// Exhausting the retry budget fails with ERR_301_CONCURRENT_STARTUP.
func (l *StartupLock) Acquire() error {
	delay := lockRetryDelay

	for attempt := 0; attempt < lockRetries; attempt++ {
		if err := l.tryCreate(); err == nil {
			l.owned = true
			return nil
		}

		stale, err := l.isStale()
		if err == nil && stale {
			if err := l.takeover(); err == nil {
				continue // retry the exclusive create immediately
			}
		}

		time.Sleep(delay)
		if delay < 2*time.Second {
			delay *= 2
		}
	}

	return errors.Newf(errors.ErrCodeConcurrentStartup,
		"another startup holds %s", l.path).
		WithSuggestion("wait for the other instance to finish starting, or remove the lock if no specmem process is running")
}

// tryCreate attempts the exclusive create and writes the owner info.
func (l *StartupLock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info := lockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	info.Hostname, _ = os.Hostname()
	return json.NewEncoder(f).Encode(info)
}

// isStale decides whether the existing lock can be taken over: never
// our own lock, never one younger than the minimum age, otherwise one
// whose owner is dead or whose age exceeds the startup-lock timeout.
func (l *StartupLock) isStale() (bool, error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		return false, err
	}

	if l.firstSeen.IsZero() {
		l.firstSeen = time.Now()
	}

	age := time.Since(fi.ModTime())
	if age < 0 {
		// Wall clock went backward; fall back to the monotonic local
		// observation window.
		age = time.Since(l.firstSeen)
	}
	if age < minLockAge {
		return false, nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return false, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Unreadable lock older than the minimum age: abandoned.
		return true, nil
	}

	if info.PID == os.Getpid() {
		return false, nil
	}
	if !processAlive(info.PID) {
		return true, nil
	}
	return age > startupLockTimeout, nil
}

// takeover removes a stale lock with rename-then-unlink so a racing
// starter never observes a half-deleted lock.
func (l *StartupLock) takeover() error {
	tmp := fmt.Sprintf("%s.stale.%d", l.path, os.Getpid())
	if err := os.Rename(l.path, tmp); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Warn("took over stale startup lock", slog.String("path", l.path))
	}
	return os.Remove(tmp)
}

// Release removes the lock if this process owns it.
func (l *StartupLock) Release() {
	if !l.owned {
		return
	}
	l.owned = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) && l.logger != nil {
		l.logger.Warn("startup lock release failed", slog.String("error", err.Error()))
	}
}

// processAlive reports whether a PID exists (signal 0 probe).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// looksLikeService guards against PID reuse: a "live" lock owner must
// also look like a specmem process. Best effort via /proc; hosts
// without /proc treat any live PID as valid.
func looksLikeService(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	return strings.Contains(string(data), "specmem")
}
