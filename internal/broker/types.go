// Package broker supervises the per-project embedding worker and
// multiplexes concurrent callers onto it. It presents a plain
// embed(text) interface while hiding a worker process that can crash,
// hang, warm slowly, or backpressure.
package broker

import (
	"context"
	"math"
	"time"

	"github.com/specmem/specmem/internal/governor"
)

// Vector dimensionality bounds accepted from the worker.
const (
	MinDimensions = 32
	MaxDimensions = 4096

	// DefaultDimensions is what the bundled model typically produces.
	DefaultDimensions = 384
)

// Deadlines and thresholds for worker supervision.
const (
	// SingleTimeout is the default deadline for one embed request.
	SingleTimeout = 90 * time.Second

	// BatchTimeoutFloor is the minimum batch deadline; larger batches
	// scale up from it.
	BatchTimeoutFloor = 60 * time.Second

	// BatchTimeoutPerText is the per-text allowance added to the floor.
	BatchTimeoutPerText = 500 * time.Millisecond

	// StartupTimeout bounds how long we poll for the worker socket.
	StartupTimeout = 60 * time.Second

	// WarmupTimeout is the deadline for the first embed after spawn.
	WarmupTimeout = 60 * time.Second

	// HealthTimeout is the revalidation probe deadline.
	HealthTimeout = 2 * time.Second

	// MaxHeartbeats is the processing-frame budget for one request;
	// exceeding it is treated as worker overload.
	MaxHeartbeats = 30

	// FailureThreshold is the consecutive-failure count that degrades
	// the broker.
	FailureThreshold = 3

	// SingleBufferCap bounds the response buffer for single requests.
	SingleBufferCap = 1 << 20 // 1 MiB
	// BatchBufferCap bounds the response buffer for batch requests.
	BatchBufferCap = 10 << 20 // 10 MiB

	// AdmissionWait bounds how long non-critical requests wait for the
	// resource governor before being admitted or rejected.
	AdmissionWait = 10 * time.Second
)

// Embedder generates vector embeddings for text. The broker implements
// it; CachedEmbedder wraps it.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result
	// is aligned index-for-index with the input; entries may be nil
	// when the worker returned fewer vectors than requested.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the advertised vector width, 0 before the
	// first successful request.
	Dimensions() int

	// Available reports whether the embedder can serve requests now.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// PriorityEmbedder extends Embedder with explicit scheduling priority.
type PriorityEmbedder interface {
	Embedder

	EmbedWithPriority(ctx context.Context, text string, pri governor.Priority) ([]float32, error)
	EmbedBatchWithPriority(ctx context.Context, texts []string, pri governor.Priority) ([][]float32, error)
}

// ResourceGate is the slice of the resource governor the broker needs.
// The governor does not know about the broker.
type ResourceGate interface {
	CanExecute(p governor.Priority) bool
	WaitAdmissible(ctx context.Context, p governor.Priority, maxWait time.Duration) error
}

// nopGate admits everything. Used when no governor is wired.
type nopGate struct{}

func (nopGate) CanExecute(governor.Priority) bool { return true }
func (nopGate) WaitAdmissible(context.Context, governor.Priority, time.Duration) error {
	return nil
}

// RequestStats is the per-request telemetry record.
type RequestStats struct {
	Kind           string        `json:"kind"` // single | batch | health
	BatchSize      int           `json:"batchSize,omitempty"`
	Priority       string        `json:"priority"`
	HeartbeatCount int           `json:"heartbeatCount"`
	Attempts       int           `json:"attempts"`
	QueueWait      time.Duration `json:"queueWait"`
	Total          time.Duration `json:"total"`
	Err            string        `json:"error,omitempty"`
}

// batchTimeout scales the deadline with batch size, floored.
func batchTimeout(n int) time.Duration {
	d := BatchTimeoutFloor + time.Duration(n)*BatchTimeoutPerText
	if d < BatchTimeoutFloor {
		return BatchTimeoutFloor
	}
	return d
}

// normalizeVector scales a vector to unit length so cosine similarity
// reduces to a dot product. Zero vectors are returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
