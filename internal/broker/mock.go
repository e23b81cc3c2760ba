package broker

import (
	"context"
	"hash/fnv"
	"sync/atomic"

	"github.com/specmem/specmem/internal/governor"
)

// MockEmbedder produces deterministic hash-derived unit vectors with no
// worker process. Used in tests and as a stand-in when wiring layers
// above the broker.
type MockEmbedder struct {
	dims   int
	calls  atomic.Int64
	closed atomic.Bool
}

// Verify interface implementation at compile time.
var _ PriorityEmbedder = (*MockEmbedder)(nil)

// NewMockEmbedder creates a deterministic embedder. dims <= 0 uses the
// default dimensionality.
func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &MockEmbedder{dims: dims}
}

// Embed returns a deterministic unit vector derived from the text.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.vector(text), nil
}

// EmbedBatch embeds each text deterministically, aligned with input.
func (m *MockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

// EmbedWithPriority ignores priority.
func (m *MockEmbedder) EmbedWithPriority(ctx context.Context, text string, _ governor.Priority) ([]float32, error) {
	return m.Embed(ctx, text)
}

// EmbedBatchWithPriority ignores priority.
func (m *MockEmbedder) EmbedBatchWithPriority(ctx context.Context, texts []string, _ governor.Priority) ([][]float32, error) {
	return m.EmbedBatch(ctx, texts)
}

// vector seeds an FNV-derived pseudo-random vector so equal texts map
// to equal vectors and different texts diverge.
func (m *MockEmbedder) vector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, m.dims)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed>>33))/float32(1<<30) - 1
	}
	return normalizeVector(v)
}

// Dimensions returns the configured width.
func (m *MockEmbedder) Dimensions() int { return m.dims }

// Available reports readiness unless closed.
func (m *MockEmbedder) Available(context.Context) bool { return !m.closed.Load() }

// Calls returns how many embed calls were made. Tests use it to verify
// content-hash gating performed zero embedding work.
func (m *MockEmbedder) Calls() int64 { return m.calls.Load() }

// Close marks the embedder closed.
func (m *MockEmbedder) Close() error {
	m.closed.Store(true)
	return nil
}
