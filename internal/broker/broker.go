package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/governor"
)

// State is the broker's supervision state for the worker.
type State string

const (
	StateDown         State = "down"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateFailed       State = "failed"
	StateShuttingDown State = "shutting_down"
)

// Worker restart budget for the watchdog.
const (
	restartBudget = 5
	restartWindow = 10 * time.Minute
)

// Options configures a Broker.
type Options struct {
	// SocketPath is the worker's Unix stream socket.
	SocketPath string
	// WorkerCommand launches the worker; empty means externally managed.
	WorkerCommand string
	// WorkerLogPath captures the worker's stdout and stderr.
	WorkerLogPath string
	// MaxConcurrent bounds simultaneous worker connections (1-4).
	MaxConcurrent int
	// Dimensions pins the vector width; 0 adopts the worker's.
	Dimensions int
	// Gate is consulted before admitting non-critical work.
	Gate ResourceGate
	// OnRequest receives per-request telemetry. May be nil.
	OnRequest func(RequestStats)
	Logger    *slog.Logger
}

// Broker supervises one worker process and multiplexes callers onto it.
type Broker struct {
	opts   Options
	worker *WorkerProcess
	queue  *queue
	gate   ResourceGate
	logger *slog.Logger

	mu                  sync.Mutex
	state               State
	dims                int
	consecutiveFailures int
	protocolStrikes     int
	totalRequests       uint64
	totalFailures       uint64
	lastError           string
	restarts            []time.Time

	inflight sync.WaitGroup

	runCtx     context.Context
	runCancel  context.CancelFunc
	revalidate chan struct{}
	wg         sync.WaitGroup
}

// Stats is a point-in-time broker snapshot for the stats verb.
type Stats struct {
	State               State  `json:"state"`
	Dimensions          int    `json:"dimensions"`
	QueueDepth          int    `json:"queueDepth"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	TotalRequests       uint64 `json:"totalRequests"`
	TotalFailures       uint64 `json:"totalFailures"`
	LastError           string `json:"lastError,omitempty"`
}

// Verify interface implementation at compile time.
var _ PriorityEmbedder = (*Broker)(nil)

// New creates a broker in the DOWN state. Call Start to bring the
// worker up.
func New(opts Options) *Broker {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxConcurrent > 4 {
		opts.MaxConcurrent = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := opts.Gate
	if gate == nil {
		gate = nopGate{}
	}

	return &Broker{
		opts:       opts,
		worker:     NewWorkerProcess(opts.WorkerCommand, opts.SocketPath, opts.WorkerLogPath, logger),
		queue:      newQueue(),
		gate:       gate,
		logger:     logger,
		state:      StateDown,
		dims:       opts.Dimensions,
		revalidate: make(chan struct{}, 1),
	}
}

// Start brings the worker up and blocks until it is READY or the
// startup budget is exhausted. Dispatchers and the supervisor keep
// running until Shutdown.
func (b *Broker) Start(ctx context.Context) error {
	b.runCtx, b.runCancel = context.WithCancel(context.Background())

	for i := 0; i < b.opts.MaxConcurrent; i++ {
		b.wg.Add(1)
		go b.dispatch(b.runCtx)
	}
	b.wg.Add(1)
	go b.supervise(b.runCtx)

	return b.startWorker(ctx)
}

// startWorker runs DOWN -> STARTING -> READY: clear the stale socket,
// spawn, poll for the socket, then warm up with one embed.
func (b *Broker) startWorker(ctx context.Context) error {
	b.setState(StateStarting)

	if b.worker.Managed() {
		if err := removeStaleSocket(b.opts.SocketPath); err != nil {
			b.logger.Warn("stale socket removal failed", slog.String("error", err.Error()))
		}
		if err := b.worker.Spawn(); err != nil {
			b.setState(StateFailed)
			return errors.New(errors.ErrCodeWorkerUnavailable, "worker spawn failed", err)
		}
	}

	if err := b.awaitSocket(ctx, StartupTimeout); err != nil {
		b.setState(StateFailed)
		return err
	}

	warmCtx, cancel := context.WithTimeout(ctx, WarmupTimeout)
	defer cancel()
	msg, _, err := roundTrip(warmCtx, b.opts.SocketPath, singleRequest("warmup"), WarmupTimeout, SingleBufferCap)
	if err != nil {
		b.setState(StateFailed)
		return errors.New(errors.ErrCodeWorkerUnavailable, "worker warmup failed", err)
	}
	if msg.Kind != msgVector {
		b.setState(StateFailed)
		return errors.Newf(errors.ErrCodeInvalidResponse, "worker warmup returned no vector")
	}
	if err := b.adoptDimensions(len(msg.Vector)); err != nil {
		b.setState(StateFailed)
		return err
	}

	b.queue.reopen()
	b.resetFailures()
	b.setState(StateReady)
	b.logger.Info("worker ready",
		slog.Int("dimensions", b.Dimensions()),
		slog.String("socket", b.opts.SocketPath))
	return nil
}

// awaitSocket polls for the socket file to appear.
func (b *Broker) awaitSocket(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		if _, err := os.Stat(b.opts.SocketPath); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Newf(errors.ErrCodeSocketMissing,
				"worker socket did not appear within %s", budget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// adoptDimensions validates and publishes the advertised width.
func (b *Broker) adoptDimensions(d int) error {
	if d < MinDimensions || d > MaxDimensions {
		return errors.Newf(errors.ErrCodeDimensionMismatch,
			"worker vector width %d outside [%d, %d]", d, MinDimensions, MaxDimensions)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dims != 0 && b.dims != d {
		return errors.Newf(errors.ErrCodeDimensionMismatch,
			"worker advertises %d dimensions, store expects %d", d, b.dims)
	}
	b.dims = d
	return nil
}

// Embed generates the embedding for one text at medium priority.
func (b *Broker) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.EmbedWithPriority(ctx, text, governor.PriorityMedium)
}

// EmbedWithPriority generates one embedding at an explicit priority.
func (b *Broker) EmbedWithPriority(ctx context.Context, text string, pri governor.Priority) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, b.Dimensions()), nil
	}

	msg, err := b.submit(ctx, singleRequest(text), "single", 1, pri, SingleTimeout, SingleBufferCap)
	if err != nil {
		return nil, err
	}
	if msg.Kind != msgVector {
		return nil, errors.Newf(errors.ErrCodeInvalidResponse,
			"worker returned a batch reply to a single request")
	}
	if len(msg.Vector) != b.Dimensions() {
		return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
			"worker returned %d dimensions, expected %d", len(msg.Vector), b.Dimensions())
	}
	return normalizeVector(msg.Vector), nil
}

// EmbedBatch generates embeddings for texts at medium priority. The
// output array is aligned index-for-index with the input.
func (b *Broker) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return b.EmbedBatchWithPriority(ctx, texts, governor.PriorityMedium)
}

// EmbedBatchWithPriority generates a batch at an explicit priority.
// Short worker replies are padded with nil to the requested length;
// long replies are truncated. Both events are logged.
func (b *Broker) EmbedBatchWithPriority(ctx context.Context, texts []string, pri governor.Priority) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	msg, err := b.submit(ctx, batchRequest(texts), "batch", len(texts), pri,
		batchTimeout(len(texts)), BatchBufferCap)
	if err != nil {
		return nil, err
	}
	if msg.Kind != msgVectors {
		return nil, errors.Newf(errors.ErrCodeInvalidResponse,
			"worker returned a single reply to a batch request")
	}

	vectors := msg.Vectors
	switch {
	case len(vectors) < len(texts):
		b.logger.Warn("worker returned short batch, padding with nulls",
			slog.Int("requested", len(texts)),
			slog.Int("returned", len(vectors)))
		for len(vectors) < len(texts) {
			vectors = append(vectors, nil)
		}
	case len(vectors) > len(texts):
		b.logger.Warn("worker returned oversized batch, truncating",
			slog.Int("requested", len(texts)),
			slog.Int("returned", len(vectors)))
		vectors = vectors[:len(texts)]
	}

	dims := b.Dimensions()
	for i, v := range vectors {
		if v == nil {
			continue
		}
		if len(v) != dims {
			return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
				"batch entry %d has %d dimensions, expected %d", i, len(v), dims)
		}
		vectors[i] = normalizeVector(v)
	}
	return vectors, nil
}

// submit admits, queues, and waits for a request's terminal outcome.
func (b *Broker) submit(ctx context.Context, req request, kind string, size int, pri governor.Priority, deadline time.Duration, bufCap int) (message, error) {
	if pri != governor.PriorityCritical {
		if err := b.gate.WaitAdmissible(ctx, pri, AdmissionWait); err != nil {
			return message{}, err
		}
	}

	if s := b.State(); s == StateShuttingDown {
		return message{}, errors.Newf(errors.ErrCodeWorkerUnavailable, "broker is shutting down")
	}

	p := &pending{
		ctx:      ctx,
		req:      req,
		deadline: deadline,
		cap:      bufCap,
		pri:      pri,
		enqueued: time.Now(),
		kind:     kind,
		size:     size,
		result:   make(chan outcome, 1),
	}
	if err := b.queue.push(p); err != nil {
		return message{}, err
	}

	select {
	case <-ctx.Done():
		// Queue waiting is cancelled immediately; a dispatcher that
		// already picked the request up will discard its result.
		return message{}, errors.New(errors.ErrCodeTimeout, "embed request cancelled", ctx.Err())
	case out := <-p.result:
		b.record(p, out)
		return out.msg, out.err
	}
}

// record accounts one finished request and emits telemetry.
func (b *Broker) record(p *pending, out outcome) {
	b.mu.Lock()
	b.totalRequests++
	if out.err != nil {
		b.totalFailures++
		b.lastError = out.err.Error()
	}
	b.mu.Unlock()

	if b.opts.OnRequest != nil {
		queueWait := time.Duration(0)
		if !out.started.IsZero() {
			queueWait = out.started.Sub(p.enqueued)
		}
		stats := RequestStats{
			Kind:           p.kind,
			BatchSize:      p.size,
			Priority:       p.pri.String(),
			HeartbeatCount: out.heartbeats,
			Attempts:       out.attempts,
			QueueWait:      queueWait,
			Total:          time.Since(p.enqueued),
		}
		if out.err != nil {
			stats.Err = errors.GetCode(out.err)
		}
		b.opts.OnRequest(stats)
	}
}

// dispatch is one worker-connection loop: pop, execute with retries,
// deliver.
func (b *Broker) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for {
		p, err := b.queue.pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Queue is closed while the worker restarts; back off.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		started := time.Now()
		b.inflight.Add(1)
		out := b.execute(p)
		out.started = started
		p.result <- out
		b.inflight.Done()
	}
}

// execute runs one request against the worker with the broker's retry
// contract: up to 3 retries at 100/200/400ms, x5 on overload. After
// the consecutive-failure threshold the socket is revalidated before
// the next attempt.
func (b *Broker) execute(p *pending) outcome {
	if err := b.waitServing(p.ctx); err != nil {
		return outcome{err: err}
	}

	attempts := 0
	lastHeartbeats := 0
	msg, err := errors.RetryWithResult(p.ctx, errors.DefaultRetryConfig(), func() (message, error) {
		attempts++
		if attempts > 1 && b.failures() >= FailureThreshold {
			probeCtx, cancel := context.WithTimeout(p.ctx, HealthTimeout)
			err := probeHealth(probeCtx, b.opts.SocketPath, HealthTimeout)
			cancel()
			if err != nil {
				return message{}, errors.New(errors.ErrCodeWorkerUnavailable,
					"worker failed revalidation before retry", err)
			}
		}

		m, hb, err := roundTrip(p.ctx, b.opts.SocketPath, p.req, p.deadline, p.cap)
		lastHeartbeats = hb
		if err != nil {
			b.noteFailure(err)
			return message{}, err
		}
		if m.Kind == msgError {
			err := classifyWorkerError(m.Err)
			b.noteFailure(err)
			return message{}, err
		}
		b.noteSuccess()
		return m, nil
	})

	return outcome{msg: msg, heartbeats: lastHeartbeats, attempts: attempts, err: err}
}

// waitServing blocks until the broker is READY or DEGRADED. DOWN and
// FAILED abort with WorkerUnavailable; STARTING waits.
func (b *Broker) waitServing(ctx context.Context) error {
	for {
		switch b.State() {
		case StateReady, StateDegraded:
			return nil
		case StateShuttingDown, StateDown, StateFailed:
			return errors.Newf(errors.ErrCodeWorkerUnavailable,
				"worker is %s", b.State())
		}
		select {
		case <-ctx.Done():
			return errors.New(errors.ErrCodeTimeout, "request cancelled while worker starting", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// classifyWorkerError maps a worker-reported error string onto the
// failure taxonomy. Overload phrasing gets the scaled backoff.
func classifyWorkerError(s string) error {
	lower := strings.ToLower(s)
	if strings.Contains(lower, "overload") || strings.Contains(lower, "busy") ||
		strings.Contains(lower, "too many") || strings.Contains(lower, "rate limit") {
		return errors.Newf(errors.ErrCodeWorkerOverload, "worker overloaded: %s", s)
	}
	return errors.Newf(errors.ErrCodeInvalidResponse, "worker error: %s", s)
}

// noteFailure updates failure accounting and drives state transitions:
// consecutive failures or a protocol violation degrade the broker, and
// a second consecutive protocol violation fails the worker.
func (b *Broker) noteFailure(err error) {
	code := errors.GetCode(err)

	b.mu.Lock()
	b.consecutiveFailures++
	failures := b.consecutiveFailures
	protocol := false
	if code == errors.ErrCodeProtocolError || code == errors.ErrCodeInvalidResponse {
		b.protocolStrikes++
		protocol = true
	}
	strikes := b.protocolStrikes
	b.mu.Unlock()

	switch {
	case protocol && strikes >= 2:
		b.logger.Error("repeated protocol violation, restarting worker",
			slog.String("code", code))
		b.failWorker()
	case protocol,
		code == errors.ErrCodeWorkerOverload,
		code == errors.ErrCodeSocketMissing,
		failures >= FailureThreshold:
		b.degrade(code)
	}
}

func (b *Broker) noteSuccess() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.protocolStrikes = 0
	b.mu.Unlock()
}

func (b *Broker) failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// degrade moves READY to DEGRADED and kicks background revalidation.
// Requests keep being served in DEGRADED.
func (b *Broker) degrade(reason string) {
	b.mu.Lock()
	if b.state != StateReady && b.state != StateDegraded {
		b.mu.Unlock()
		return
	}
	changed := b.state == StateReady
	b.state = StateDegraded
	b.mu.Unlock()

	if changed {
		b.logger.Warn("broker degraded", slog.String("reason", reason))
	}
	select {
	case b.revalidate <- struct{}{}:
	default:
	}
}

// failWorker runs FAILED -> DOWN: kill the worker, remove the socket,
// fail everything queued. The watchdog restarts from DOWN.
func (b *Broker) failWorker() {
	b.setState(StateFailed)
	b.worker.Kill()
	_ = removeStaleSocket(b.opts.SocketPath)
	b.queue.drain(errors.ErrCodeWorkerUnavailable, "embedding worker failed")
	b.setState(StateDown)
}

// supervise handles DEGRADED revalidation, socket-disappearance
// detection, and the restart watchdog.
func (b *Broker) supervise(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-b.revalidate:
			if b.State() != StateDegraded {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, HealthTimeout)
			err := probeHealth(probeCtx, b.opts.SocketPath, HealthTimeout)
			cancel()
			if err == nil {
				b.resetFailures()
				b.setState(StateReady)
				b.logger.Info("broker revalidated, back to ready")
			} else {
				b.logger.Warn("revalidation failed, restarting worker",
					slog.String("error", err.Error()))
				b.failWorker()
			}

		case <-ticker.C:
			switch b.State() {
			case StateReady, StateDegraded:
				if _, err := os.Stat(b.opts.SocketPath); err != nil {
					b.degrade(errors.ErrCodeSocketMissing)
				}
				if b.worker.Managed() && !b.worker.Alive() {
					b.logger.Warn("worker process died")
					b.failWorker()
				}
			case StateDown:
				if !b.allowRestart() {
					continue
				}
				// Jittered delay keeps crash loops from spinning.
				time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
				if err := b.startWorker(ctx); err != nil {
					b.logger.Error("worker restart failed", slog.String("error", err.Error()))
					b.setState(StateDown)
				}
			}
		}
	}
}

// allowRestart enforces the bounded restart budget per window.
func (b *Broker) allowRestart() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-restartWindow)
	kept := b.restarts[:0]
	for _, t := range b.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.restarts = kept

	if len(b.restarts) >= restartBudget {
		return false
	}
	b.restarts = append(b.restarts, time.Now())
	return true
}

// Shutdown drains in-flight requests up to the deadline, then tears
// the worker down.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.setState(StateShuttingDown)
	b.queue.drain(errors.ErrCodeWorkerUnavailable, "broker shutting down")

	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		b.logger.Warn("shutdown deadline reached with requests in flight")
	}

	if b.runCancel != nil {
		b.runCancel()
	}
	b.worker.Kill()
	_ = removeStaleSocket(b.opts.SocketPath)
	b.setState(StateDown)
	b.wg.Wait()
	return nil
}

// Close implements Embedder with a short drain deadline.
func (b *Broker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// Available reports whether the broker can serve requests now.
func (b *Broker) Available(_ context.Context) bool {
	s := b.State()
	return s == StateReady || s == StateDegraded
}

// Health sends a health probe at critical priority.
func (b *Broker) Health(ctx context.Context) error {
	return probeHealth(ctx, b.opts.SocketPath, HealthTimeout)
}

// State returns the current supervision state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broker) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()
	if prev != s {
		b.logger.Debug("broker state change",
			slog.String("from", string(prev)),
			slog.String("to", string(s)))
	}
}

// Dimensions returns the published vector width, 0 before warmup.
func (b *Broker) Dimensions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dims
}

func (b *Broker) resetFailures() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.protocolStrikes = 0
	b.mu.Unlock()
}

// Snapshot returns broker counters for the stats verb.
func (b *Broker) Snapshot() Stats {
	depth := b.queue.depth()
	total := 0
	for _, d := range depth {
		total += d
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		Dimensions:          b.dims,
		QueueDepth:          total,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalRequests:       b.totalRequests,
		TotalFailures:       b.totalFailures,
		LastError:           b.lastError,
	}
}

// String renders a short broker description for diagnostics.
func (b *Broker) String() string {
	return fmt.Sprintf("broker(%s, dims=%d)", b.State(), b.Dimensions())
}
