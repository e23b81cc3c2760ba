package instance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/project"
)

// orphanCheckInterval is how often the parent PID is re-checked while
// running.
const orphanCheckInterval = 5 * time.Second

// drainDeadline bounds in-flight work during teardown.
const drainDeadline = 10 * time.Second

// Hooks are the coordinator's shutdown and reload collaborators,
// invoked in reverse startup order during teardown.
type Hooks struct {
	// StopWatchers stops filesystem watchers and reconcilers.
	StopWatchers func()
	// Drain blocks until in-flight embedding work finishes or the
	// context expires.
	Drain func(ctx context.Context) error
	// Reload reruns configuration and schema setup; triggered by
	// SIGHUP without changing the pid.
	Reload func(ctx context.Context) error
}

// Coordinator drives the ordered startup sequence and the running
// lifecycle of one instance.
type Coordinator struct {
	project *project.Project
	logger  *slog.Logger
	hooks   Hooks

	startupLock *StartupLock
	server      *LockServer
	record      Record

	// stop requests a graceful shutdown of Run; stopOnce guards the
	// close against concurrent shutdown verbs.
	stop     chan struct{}
	stopOnce sync.Once
	// reload requests a configuration reload.
	reload chan struct{}
}

// ErrAlreadyRunning is the sentinel outcome when a live instance
// already owns the project: in tool-calling mode the caller defers to
// it and exits 0.
var ErrAlreadyRunning = errors.New(errors.ErrCodeConcurrentStartup,
	"another live instance owns this project", nil)

// NewCoordinator creates the startup coordinator for a project.
func NewCoordinator(p *project.Project, hooks Hooks, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		project:     p,
		logger:      logger,
		hooks:       hooks,
		startupLock: NewStartupLock(p.RunPath(project.StartupLockName), logger),
		server:      NewLockServer(p.InstanceSocketPath(), logger),
		stop:        make(chan struct{}),
		reload:      make(chan struct{}, 1),
	}
}

// Server exposes the lock server so the caller can wire stats.
func (c *Coordinator) Server() *LockServer { return c.server }

// Startup runs steps 1-5 of the sequence: directories, startup lock,
// stale cleanup, instance lock bind, instance record. On return the
// process holds the instance lock with status=starting, or the error
// explains why it must defer or abort.
func (c *Coordinator) Startup(ctx context.Context) error {
	if err := c.project.EnsureDirs(); err != nil {
		return err
	}

	if err := c.startupLock.Acquire(); err != nil {
		return err
	}

	// Cleanup + bind, with exactly one re-check on a lost bind race.
	if err := c.claimInstanceLock(); err != nil {
		c.startupLock.Release()
		return err
	}

	c.record = Record{
		PID:         os.Getpid(),
		ProjectHash: c.project.Hash,
		StartTime:   time.Now().UTC(),
		Status:      StatusStarting,
	}
	if err := WriteRecord(c.project, c.record); err != nil {
		c.server.Close()
		c.startupLock.Release()
		return err
	}

	c.startupLock.Release()
	c.logger.Info("instance lock acquired",
		slog.Int("pid", c.record.PID),
		slog.String("project", c.project.Hash))
	return nil
}

// claimInstanceLock performs stale cleanup then binds the socket. A
// bind race loser re-runs cleanup exactly once, then defers to the
// winner.
func (c *Coordinator) claimInstanceLock() error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.cleanupStale(); err != nil {
			return err
		}
		if err := c.server.Bind(); err == nil {
			return nil
		}
		// Lost the bind race; the winner answers the next probe.
	}
	return ErrAlreadyRunning
}

// cleanupStale implements step 3: probe an existing socket; a live
// answer means another instance is authoritative, a dead one is
// removed with rename-then-unlink. Sockets younger than the minimum
// lock age are left alone so a starting peer is not sabotaged.
func (c *Coordinator) cleanupStale() error {
	path := c.project.InstanceSocketPath()
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeEnvironmentUnusable, err)
	}

	if probeAlive(path) {
		return ErrAlreadyRunning
	}

	if age := time.Since(fi.ModTime()); age >= 0 && age < minLockAge {
		return ErrAlreadyRunning
	}

	c.logger.Warn("removing stale instance socket", slog.String("path", path))
	tmp := fmt.Sprintf("%s.stale.%d", path, os.Getpid())
	if err := os.Rename(path, tmp); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.ErrCodeEnvironmentUnusable, err)
	}
	return os.Remove(tmp)
}

// MarkRunning transitions the record to running after the caller's
// bootstrap (schema, broker, reconcile) completed.
func (c *Coordinator) MarkRunning() error {
	c.record.Status = StatusRunning
	return WriteRecord(c.project, c.record)
}

// Run serves the instance socket and watches for termination signals,
// the reload signal, and orphaning. It blocks until shutdown and
// performs the reverse-order teardown before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.server.SetShutdownFunc(c.RequestShutdown)
	c.server.SetRestartFunc(c.requestReload)
	go c.server.Serve(runCtx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	orphanTicker := time.NewTicker(orphanCheckInterval)
	defer orphanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.teardown(StatusStopped)

		case <-c.stop:
			return c.teardown(StatusStopped)

		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				c.requestReload()
				continue
			}
			c.logger.Info("termination signal", slog.String("signal", sig.String()))
			return c.teardown(StatusStopped)

		case <-c.reload:
			if c.hooks.Reload != nil {
				if err := c.hooks.Reload(runCtx); err != nil {
					c.logger.Error("reload failed", slog.String("error", err.Error()))
				}
			}

		case <-orphanTicker.C:
			if os.Getppid() == 1 {
				c.logger.Warn("parent process gone, shutting down")
				return c.teardown(StatusStopped)
			}
			// Losing the bound socket while running is fatal.
			if _, err := os.Stat(c.project.InstanceSocketPath()); err != nil {
				c.logger.Error("instance lock lost while running")
				_ = c.teardown(StatusCrashed)
				return errors.New(errors.ErrCodeInstanceLockLost,
					"instance lock socket disappeared", nil)
			}
		}
	}
}

// RequestShutdown asks Run to stop. Safe to call from any goroutine,
// including the socket's shutdown verb.
func (c *Coordinator) RequestShutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Coordinator) requestReload() {
	select {
	case c.reload <- struct{}{}:
	default:
	}
}

// teardown reverses startup: watchers, drain, instance lock, record.
func (c *Coordinator) teardown(final Status) error {
	c.record.Status = StatusStopping
	_ = WriteRecord(c.project, c.record)

	if c.hooks.StopWatchers != nil {
		c.hooks.StopWatchers()
	}
	if c.hooks.Drain != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
		if err := c.hooks.Drain(drainCtx); err != nil {
			c.logger.Warn("drain incomplete", slog.String("error", err.Error()))
		}
		cancel()
	}

	c.server.Close()

	c.record.Status = final
	if err := WriteRecord(c.project, c.record); err != nil {
		return err
	}
	c.logger.Info("instance stopped", slog.String("status", string(final)))
	return nil
}
