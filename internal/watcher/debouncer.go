package watcher

import (
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces rapid events per path so the reconciler sees at
// most one event per file per quiet window. Merge rules:
//
//	CREATE then MODIFY -> CREATE
//	CREATE then DELETE -> dropped
//	MODIFY then DELETE -> DELETE
//	DELETE then CREATE -> MODIFY
type Debouncer struct {
	window  time.Duration
	output  chan []FileEvent
	mu      sync.Mutex
	pending map[string]*FileEvent
	timer   *time.Timer
	stopped bool
}

// NewDebouncer batches events arriving within window of each other.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		output:  make(chan []FileEvent, 16),
		pending: make(map[string]*FileEvent),
	}
}

// Output yields batches, ordered by path. Closed by Stop.
func (d *Debouncer) Output() <-chan []FileEvent { return d.output }

// Add merges one event into the pending window.
func (d *Debouncer) Add(ev FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if prev, ok := d.pending[ev.Path]; ok {
		merged, keep := coalesce(prev.Operation, ev.Operation)
		if !keep {
			delete(d.pending, ev.Path)
		} else {
			prev.Operation = merged
			prev.Timestamp = ev.Timestamp
		}
	} else {
		e := ev
		d.pending[ev.Path] = &e
	}

	// Each new event pushes the flush out; a quiet window ends the
	// batch.
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func coalesce(prev, next Operation) (Operation, bool) {
	if prev == OpGitignoreChange || next == OpGitignoreChange {
		return OpGitignoreChange, true
	}
	switch {
	case prev == OpCreate && next == OpDelete:
		return 0, false
	case prev == OpCreate:
		return OpCreate, true
	case next == OpDelete:
		return OpDelete, true
	case prev == OpDelete && next == OpCreate:
		return OpModify, true
	default:
		return next, true
	}
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	if d.stopped || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := make([]FileEvent, 0, len(d.pending))
	for _, ev := range d.pending {
		batch = append(batch, *ev)
	}
	d.pending = make(map[string]*FileEvent)
	d.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
	select {
	case d.output <- batch:
	default:
		// Consumer is behind; drop the batch. The periodic reconcile
		// pass recovers anything missed.
	}
}

// Stop discards pending events and closes the output channel.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = nil
	d.mu.Unlock()
	close(d.output)
}
