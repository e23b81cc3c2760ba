// Package telemetry records local usage patterns: query kinds, latency
// distribution, zero-result queries, and embedding heartbeat behavior.
// Everything stays on disk in the project cache; nothing is reported
// anywhere. Recording is an in-memory aggregate on the hot path; the
// SQLite flush happens periodically off it, and flush failures are
// logged and dropped.
package telemetry

import (
	"sync"
	"time"
)

// LatencyBucket is one histogram bucket label.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is one tool-call query observation.
type QueryEvent struct {
	Kind        string // findMemory, findCodePointers, ...
	Query       string
	ResultCount int
	Latency     time.Duration
	Degraded    bool
	Timestamp   time.Time
}

// EmbedEvent is one completed embedding request observation.
type EmbedEvent struct {
	Kind           string // single or batch
	HeartbeatCount int
	Attempts       int
	QueueWait      time.Duration
	Total          time.Duration
	Outcome        string // ok, error, timeout
}

// ring is a fixed-capacity FIFO of the most recent values.
type ring[T any] struct {
	items []T
	head  int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// values returns oldest-first.
func (r *ring[T]) values() []T {
	out := make([]T, 0, r.size)
	start := (r.head - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

const zeroResultCapacity = 100

// Recorder aggregates events in memory until flushed.
type Recorder struct {
	mu          sync.Mutex
	queryKinds  map[string]int64
	latency     map[LatencyBucket]int64
	degraded    int64
	zeroResults *ring[QueryEvent]
	heartbeats  map[string]int64 // embed kind -> heartbeat total
	embedCounts map[string]int64 // embed kind/outcome -> count
}

// NewRecorder starts empty.
func NewRecorder() *Recorder {
	return &Recorder{
		queryKinds:  make(map[string]int64),
		latency:     make(map[LatencyBucket]int64),
		zeroResults: newRing[QueryEvent](zeroResultCapacity),
		heartbeats:  make(map[string]int64),
		embedCounts: make(map[string]int64),
	}
}

// RecordQuery notes one tool-call query.
func (r *Recorder) RecordQuery(e QueryEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryKinds[e.Kind]++
	r.latency[LatencyToBucket(e.Latency)]++
	if e.Degraded {
		r.degraded++
	}
	if e.ResultCount == 0 {
		r.zeroResults.push(e)
	}
}

// RecordEmbed notes one completed embedding request.
func (r *Recorder) RecordEmbed(e EmbedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats[e.Kind] += int64(e.HeartbeatCount)
	r.embedCounts[e.Kind+"/"+e.Outcome]++
}

// drain moves the aggregates out, leaving the recorder empty.
func (r *Recorder) drain() snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := snapshot{
		queryKinds:  r.queryKinds,
		latency:     r.latency,
		degraded:    r.degraded,
		zeroResults: r.zeroResults.values(),
		heartbeats:  r.heartbeats,
		embedCounts: r.embedCounts,
	}
	r.queryKinds = make(map[string]int64)
	r.latency = make(map[LatencyBucket]int64)
	r.degraded = 0
	r.zeroResults = newRing[QueryEvent](zeroResultCapacity)
	r.heartbeats = make(map[string]int64)
	r.embedCounts = make(map[string]int64)
	return s
}

type snapshot struct {
	queryKinds  map[string]int64
	latency     map[LatencyBucket]int64
	degraded    int64
	zeroResults []QueryEvent
	heartbeats  map[string]int64
	embedCounts map[string]int64
}

func (s snapshot) empty() bool {
	return len(s.queryKinds) == 0 && len(s.latency) == 0 && s.degraded == 0 &&
		len(s.zeroResults) == 0 && len(s.heartbeats) == 0 && len(s.embedCounts) == 0
}
