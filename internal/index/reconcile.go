package index

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReconcileInterval bounds index staleness when watch mode is
// off or events were missed.
const DefaultReconcileInterval = 10 * time.Minute

// Reconciler periodically re-runs the pipeline. Hash gating makes a
// quiet cycle cheap, so the same full pass serves as the diff: new and
// changed files are re-indexed, vanished files are deleted.
type Reconciler struct {
	pipeline *Pipeline
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewReconciler uses DefaultReconcileInterval when interval <= 0.
func NewReconciler(pipeline *Pipeline, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		pipeline: pipeline,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   logger,
	}
}

// Kick requests a cycle ahead of schedule. Watcher debounce flushes
// land here. Non-blocking; pending kicks coalesce.
func (r *Reconciler) Kick() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}

		if _, err := r.pipeline.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("reconcile cycle failed", "error", err)
		}
	}
}
