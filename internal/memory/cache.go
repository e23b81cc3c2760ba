package memory

import (
	"math"
	"sync"
	"time"

	"github.com/coder/hnsw"
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds the degraded read cache.
const defaultCacheSize = 2048

// cacheEntry is the metadata kept alongside a cached vector.
type cacheEntry struct {
	Content   string
	Kind      string
	Tags      []string
	CreatedAt time.Time
}

// readCache is the in-process vector index that answers Find while the
// store is down. It is fed opportunistically by successful writes and
// reads; eviction uses lazy deletion because removing graph nodes is
// not reliable in coder/hnsw.
type readCache struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	entries *lru.Cache[string, cacheEntry]
	vectors map[string][]float32
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

func newReadCache(size int) *readCache {
	c := &readCache{
		graph:   hnsw.NewGraph[uint64](),
		vectors: make(map[string][]float32),
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
	}
	c.graph.Distance = hnsw.CosineDistance

	// Eviction drops the mappings; the node stays in the graph but can
	// no longer surface in results.
	c.entries, _ = lru.NewWithEvict(size, func(id string, _ cacheEntry) {
		if key, ok := c.idMap[id]; ok {
			delete(c.keyMap, key)
			delete(c.idMap, id)
			delete(c.vectors, id)
		}
	})
	return c
}

func (c *readCache) put(id string, vec []float32, entry cacheEntry) {
	if len(vec) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.idMap[id]; ok {
		delete(c.keyMap, key)
		delete(c.idMap, id)
	}

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)

	key := c.nextKey
	c.nextKey++
	c.graph.Add(hnsw.MakeNode(key, normalized))
	c.idMap[id] = key
	c.keyMap[key] = id
	c.vectors[id] = normalized
	c.entries.Add(id, entry)
}

func (c *readCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.idMap[id]; ok {
		delete(c.keyMap, key)
		delete(c.idMap, id)
		delete(c.vectors, id)
	}
	c.entries.Remove(id)
}

func (c *readCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.idMap)
}

// search answers a degraded Find. Filters mirror the store query; the
// score is cosine similarity against the cached vector.
func (c *readCache) search(query []float32, k int, threshold float64, kind string, tagsAny []string) []Hit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.idMap) == 0 || len(query) == 0 {
		return nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch: lazy-deleted nodes and filters thin the result.
	nodes := c.graph.Search(normalized, k*4)

	hits := make([]Hit, 0, k)
	for _, node := range nodes {
		id, ok := c.keyMap[node.Key]
		if !ok {
			continue
		}
		entry, ok := c.entries.Get(id)
		if !ok {
			continue
		}
		if kind != "" && entry.Kind != kind {
			continue
		}
		if len(tagsAny) > 0 && !anyTagMatch(entry.Tags, tagsAny) {
			continue
		}

		score := float64(dot(normalized, c.vectors[id]))
		if score < threshold {
			continue
		}
		hits = append(hits, Hit{
			ID:        id,
			Content:   entry.Content,
			Kind:      entry.Kind,
			Tags:      entry.Tags,
			Score:     score,
			CreatedAt: entry.CreatedAt,
		})
		if len(hits) == k {
			break
		}
	}
	return hits
}

func anyTagMatch(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
