package broker

import (
	"context"
	"sync"
	"time"

	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/governor"
)

// pending is one admitted request waiting for a dispatcher.
type pending struct {
	ctx      context.Context
	req      request
	deadline time.Duration
	cap      int
	pri      governor.Priority
	enqueued time.Time
	kind     string
	size     int

	// result receives exactly one value.
	result chan outcome
}

type outcome struct {
	msg        message
	heartbeats int
	attempts   int
	started    time.Time
	err        error
}

// queue is a priority FIFO. Higher priorities are popped first; within
// a priority, order is strict arrival order.
type queue struct {
	mu     sync.Mutex
	levels [governor.PriorityIdle + 1][]*pending
	closed bool

	// signal wakes one blocked pop per push.
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1024)}
}

// push enqueues a request. Fails when the queue is closed.
func (q *queue) push(p *pending) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.Newf(errors.ErrCodeWorkerUnavailable, "broker is shut down")
	}
	q.levels[p.pri] = append(q.levels[p.pri], p)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until a request is available or the context is done.
// Requests whose own context already expired are discarded with their
// error delivered, so dispatchers never burn a worker slot on them.
func (q *queue) pop(ctx context.Context) (*pending, error) {
	for {
		p, err := q.next()
		if err != nil {
			return nil, err
		}
		if p != nil {
			if p.ctx.Err() != nil {
				p.result <- outcome{err: errors.New(errors.ErrCodeTimeout,
					"request cancelled while queued", p.ctx.Err())}
				continue
			}
			return p, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// next dequeues the highest-priority request, or nil when the queue is
// empty. The lock is held only inside this call; pop delivers
// cancellation outcomes without it.
func (q *queue) next() (*pending, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errors.Newf(errors.ErrCodeWorkerUnavailable, "broker is shut down")
	}
	for pri := range q.levels {
		if len(q.levels[pri]) == 0 {
			continue
		}
		p := q.levels[pri][0]
		q.levels[pri] = q.levels[pri][1:]
		return p, nil
	}
	return nil, nil
}

// drain fails every queued request and closes the queue.
func (q *queue) drain(code string, msg string) {
	q.mu.Lock()
	var all []*pending
	for pri := range q.levels {
		all = append(all, q.levels[pri]...)
		q.levels[pri] = nil
	}
	q.closed = true
	q.mu.Unlock()

	for _, p := range all {
		p.result <- outcome{err: errors.Newf(code, "%s", msg)}
	}
}

// reopen resets a drained queue so a restarted worker can serve again.
func (q *queue) reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// depth reports queued requests per priority level.
func (q *queue) depth() [governor.PriorityIdle + 1]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d [governor.PriorityIdle + 1]int
	for pri := range q.levels {
		d[pri] = len(q.levels[pri])
	}
	return d
}
