package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/specmem/specmem/internal/governor"
)

// DefaultCacheSize is the in-memory LRU entry count when the tier plan
// does not specify one.
const DefaultCacheSize = 2048

// diskCacheMaxEntries bounds the persistent cache directory; the
// eviction sweep removes oldest files beyond it.
const diskCacheMaxEntries = 50000

// CachedEmbedder wraps an Embedder with a two-tier cache: an in-memory
// LRU over a persistent per-project disk layer. Hits bypass the worker
// entirely.
type CachedEmbedder struct {
	inner  Embedder
	cache  *lru.Cache[string, []float32]
	disk   *diskCache
	logger *slog.Logger
}

// Verify interface implementation at compile time.
var _ PriorityEmbedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder creates a cached embedder. diskDir enables the
// persistent layer when non-empty; it lives under specmem/cache.
func NewCachedEmbedder(inner Embedder, cacheSize int, diskDir string, logger *slog.Logger) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)

	var disk *diskCache
	if diskDir != "" {
		disk = newDiskCache(diskDir, logger)
	}

	return &CachedEmbedder{inner: inner, cache: cache, disk: disk, logger: logger}
}

// cacheKey hashes the text; the cache directory is per-project, so the
// project and model are implicit.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns a cached vector when available, otherwise computes and
// caches it in both tiers.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(key, vec)
	return vec, nil
}

// EmbedBatch checks each text against the cache and only sends the
// misses to the worker. The result stays aligned with the input.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.lookup(cacheKey(text)); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fetched, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range missIdx {
		results[idx] = fetched[j]
		if fetched[j] != nil {
			c.store(cacheKey(texts[idx]), fetched[j])
		}
	}
	return results, nil
}

func (c *CachedEmbedder) lookup(key string) ([]float32, bool) {
	if vec, ok := c.cache.Get(key); ok {
		return vec, true
	}
	if c.disk != nil {
		if vec, ok := c.disk.get(key, c.inner.Dimensions()); ok {
			c.cache.Add(key, vec)
			return vec, true
		}
	}
	return nil, false
}

func (c *CachedEmbedder) store(key string, vec []float32) {
	c.cache.Add(key, vec)
	if c.disk != nil {
		c.disk.put(key, vec)
	}
}

// Dimensions is a passthrough to the inner embedder.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Available is a passthrough to the inner embedder.
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

// Close closes the inner embedder.
func (c *CachedEmbedder) Close() error { return c.inner.Close() }

// EmbedWithPriority serves hits from the cache; misses carry the
// caller's priority through when the inner embedder supports it.
func (c *CachedEmbedder) EmbedWithPriority(ctx context.Context, text string, pri governor.Priority) ([]float32, error) {
	key := cacheKey(text)

	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	pe, ok := c.inner.(PriorityEmbedder)
	if !ok {
		return c.Embed(ctx, text)
	}
	vec, err := pe.EmbedWithPriority(ctx, text, pri)
	if err != nil {
		return nil, err
	}
	c.store(key, vec)
	return vec, nil
}

// EmbedBatchWithPriority sends only the cache misses to the worker at
// the caller's priority. The result stays aligned with the input.
func (c *CachedEmbedder) EmbedBatchWithPriority(ctx context.Context, texts []string, pri governor.Priority) ([][]float32, error) {
	pe, ok := c.inner.(PriorityEmbedder)
	if !ok {
		return c.EmbedBatch(ctx, texts)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.lookup(cacheKey(text)); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fetched, err := pe.EmbedBatchWithPriority(ctx, missTexts, pri)
	if err != nil {
		return nil, err
	}

	for j, idx := range missIdx {
		results[idx] = fetched[j]
		if fetched[j] != nil {
			c.store(cacheKey(texts[idx]), fetched[j])
		}
	}
	return results, nil
}

// Inner returns the wrapped embedder for callers needing priority
// scheduling or broker state.
func (c *CachedEmbedder) Inner() Embedder { return c.inner }

// diskCache is the persistent layer: one JSON file per key. Writes are
// best-effort; a cache miss is never an error.
type diskCache struct {
	dir    string
	logger *slog.Logger
}

// diskEntry is the on-disk shape.
type diskEntry struct {
	Dimensions int       `json:"dimensions"`
	Vector     []float32 `json:"vector"`
}

func newDiskCache(dir string, logger *slog.Logger) *diskCache {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if logger != nil {
			logger.Warn("disk cache disabled", slog.String("error", err.Error()))
		}
		return nil
	}
	return &diskCache{dir: dir, logger: logger}
}

func (d *diskCache) path(key string) string {
	return filepath.Join(d.dir, key+".json")
}

// get loads one entry; stale dimensionality counts as a miss so a
// model change invalidates the cache naturally.
func (d *diskCache) get(key string, wantDims int) ([]float32, bool) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, false
	}
	var entry diskEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = os.Remove(d.path(key))
		return nil, false
	}
	if wantDims != 0 && entry.Dimensions != wantDims {
		return nil, false
	}
	return entry.Vector, true
}

func (d *diskCache) put(key string, vec []float32) {
	entry := diskEntry{Dimensions: len(vec), Vector: vec}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	tmp := d.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, d.path(key))
}

// Sweep evicts oldest entries beyond the cap. A file lock serializes
// sweeps across instances sharing the cache directory.
func (d *diskCache) Sweep() error {
	lock := flock.New(filepath.Join(d.dir, ".sweep.lock"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return err // another instance is sweeping
	}
	defer func() { _ = lock.Unlock() }()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}

	type aged struct {
		name string
		mod  int64
	}
	var files []aged
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{name: e.Name(), mod: info.ModTime().UnixNano()})
	}

	if len(files) <= diskCacheMaxEntries {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })
	evict := files[:len(files)-diskCacheMaxEntries]
	for _, f := range evict {
		_ = os.Remove(filepath.Join(d.dir, f.name))
	}
	if d.logger != nil {
		d.logger.Info("embedding disk cache swept", slog.Int("evicted", len(evict)))
	}
	return nil
}

// SweepDiskCache runs the disk layer's eviction sweep, if enabled.
func (c *CachedEmbedder) SweepDiskCache() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.Sweep()
}
