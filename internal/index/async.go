package index

import (
	"context"
	"os"
	"sync"
	"time"
)

// Runner executes pipeline passes in a background goroutine so tool
// calls and the instance socket can poll progress without blocking on
// indexing.
type Runner struct {
	pipeline *Pipeline
	lockPath string

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
	result  Result
	err     error
}

// NewRunner wraps a pipeline. lockPath, when non-empty, is touched for
// the duration of a run so sibling tooling can tell indexing is live.
func NewRunner(pipeline *Pipeline, lockPath string) *Runner {
	return &Runner{
		pipeline: pipeline,
		lockPath: lockPath,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Progress returns the latest snapshot.
func (r *Runner) Progress() Progress {
	return r.pipeline.Tracker().Snapshot()
}

// Running reports whether a pass is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start launches one pipeline pass and returns immediately. A second
// Start while running is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if r.lockPath != "" {
		if err := os.WriteFile(r.lockPath, []byte(time.Now().Format(time.RFC3339)), 0o644); err == nil {
			defer func() { _ = os.Remove(r.lockPath) }()
		}
	}

	res, err := r.pipeline.Run(ctx)
	r.mu.Lock()
	r.result, r.err = res, err
	r.mu.Unlock()
}

// Stop cancels the in-flight pass and waits for it to wind down.
func (r *Runner) Stop() {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

// Wait blocks until the pass finishes.
func (r *Runner) Wait() (Result, error) {
	<-r.doneCh
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}
