package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/broker"
)

func embed(t *testing.T, mock *broker.MockEmbedder, text string) []float32 {
	t.Helper()
	v, err := mock.Embed(context.Background(), text)
	require.NoError(t, err)
	return v
}

func TestReadCachePutSearch(t *testing.T) {
	mock := broker.NewMockEmbedder(32)
	c := newReadCache(16)

	c.put("m1", embed(t, mock, "alpha"), cacheEntry{Content: "alpha", Kind: KindSemantic, CreatedAt: time.Now()})
	c.put("m2", embed(t, mock, "beta"), cacheEntry{Content: "beta", Kind: KindEpisodic, CreatedAt: time.Now()})

	hits := c.search(embed(t, mock, "alpha"), 5, 0.9, "", nil)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.99)
}

func TestReadCacheKindAndTagFilters(t *testing.T) {
	mock := broker.NewMockEmbedder(32)
	c := newReadCache(16)

	c.put("m1", embed(t, mock, "tagged"), cacheEntry{Content: "tagged", Kind: KindSemantic, Tags: []string{"go"}})

	assert.Empty(t, c.search(embed(t, mock, "tagged"), 5, 0.5, KindEpisodic, nil))
	assert.Empty(t, c.search(embed(t, mock, "tagged"), 5, 0.5, "", []string{"rust"}))
	assert.Len(t, c.search(embed(t, mock, "tagged"), 5, 0.5, KindSemantic, []string{"go", "rust"}), 1)
}

func TestReadCacheRemove(t *testing.T) {
	mock := broker.NewMockEmbedder(32)
	c := newReadCache(16)

	c.put("m1", embed(t, mock, "gone"), cacheEntry{Content: "gone"})
	require.Equal(t, 1, c.len())

	c.remove("m1")
	assert.Zero(t, c.len())
	assert.Empty(t, c.search(embed(t, mock, "gone"), 5, 0.0, "", nil))
}

func TestReadCacheUpdateReplacesVector(t *testing.T) {
	mock := broker.NewMockEmbedder(32)
	c := newReadCache(16)

	c.put("m1", embed(t, mock, "old text"), cacheEntry{Content: "old text"})
	c.put("m1", embed(t, mock, "new text"), cacheEntry{Content: "new text"})
	require.Equal(t, 1, c.len())

	hits := c.search(embed(t, mock, "new text"), 5, 0.9, "", nil)
	require.Len(t, hits, 1)
	assert.Equal(t, "new text", hits[0].Content)
}

func TestReadCacheEviction(t *testing.T) {
	mock := broker.NewMockEmbedder(32)
	c := newReadCache(4)

	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("entry %d", i)
		c.put(fmt.Sprintf("m%d", i), embed(t, mock, text), cacheEntry{Content: text})
	}
	assert.Equal(t, 4, c.len())

	// The newest entries survive; the oldest are lazily deleted and
	// never surface in results.
	assert.Len(t, c.search(embed(t, mock, "entry 9"), 5, 0.9, "", nil), 1)
	assert.Empty(t, c.search(embed(t, mock, "entry 0"), 5, 0.9, "", nil))
}
