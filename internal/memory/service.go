// Package memory implements the memory service: saves with embedding
// deferral, cosine k-NN retrieval with a degraded in-process fallback,
// code pointer search, and the null-embedding backfill worker.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/governor"
	"github.com/specmem/specmem/internal/store"
)

// Search defaults.
const (
	DefaultK         = 5
	DefaultThreshold = 0.25
	maxContentLength = 100_000
)

// Memory kinds. Free-form kinds are accepted; these are the
// conventional ones.
const (
	KindSemantic   = "semantic"
	KindEpisodic   = "episodic"
	KindProcedural = "procedural"
)

// Storage is the slice of the store the service depends on.
type Storage interface {
	InsertMemory(ctx context.Context, m store.Memory) (id string, existing bool, err error)
	GetMemory(ctx context.Context, id string) (*store.Memory, error)
	DeleteMemory(ctx context.Context, id string) (bool, error)
	SearchMemories(ctx context.Context, query pgvector.Vector, k int, threshold float64, filter store.MemoryFilter) ([]store.MemoryHit, error)
	SearchDefinitions(ctx context.Context, query pgvector.Vector, k int, threshold float64) ([]store.DefinitionHit, error)
	SearchFiles(ctx context.Context, query pgvector.Vector, k int, threshold float64) ([]store.FileHit, error)
}

// SaveInput is one saveMemory request.
type SaveInput struct {
	Content    string
	Kind       string
	Importance string
	Tags       []string
	Metadata   map[string]any
}

// SaveResult reports the stored id; Deferred is set when the embedding
// could not be produced and the row awaits backfill.
type SaveResult struct {
	ID       string
	Existing bool
	Deferred bool
}

// FindInput is one findMemory request.
type FindInput struct {
	Query     string
	K         int
	Threshold float64
	Kind      string
	TagsAny   []string
}

// Hit is one retrieval result.
type Hit struct {
	ID        string
	Content   string
	Kind      string
	Tags      []string
	Score     float64
	CreatedAt time.Time
}

// FindResult carries hits plus the degraded flag when they came from
// the in-process cache instead of the store.
type FindResult struct {
	Hits     []Hit
	Degraded bool
}

// Pointer is one findCodePointers result.
type Pointer struct {
	ID        string
	Name      string
	Kind      string
	File      string
	StartLine int
	EndLine   int
	Signature string
	Score     float64
	Snippet   string
}

// Service answers the memory tool surface.
type Service struct {
	storage  Storage
	embedder broker.PriorityEmbedder
	cache    *readCache
	backfill *Backfiller
	logger   *slog.Logger
}

// NewService wires the memory service. backfill may be nil when no
// backfill worker runs (CLI one-shots).
func NewService(storage Storage, embedder broker.PriorityEmbedder, backfill *Backfiller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		storage:  storage,
		embedder: embedder,
		cache:    newReadCache(defaultCacheSize),
		backfill: backfill,
		logger:   logger,
	}
}

// Save validates, embeds at high priority, and inserts. A transient
// embedding failure degrades to a NULL-embedding insert flagged for
// backfill rather than losing the write.
func (s *Service) Save(ctx context.Context, in SaveInput) (*SaveResult, error) {
	if in.Content == "" {
		return nil, errors.New(errors.ErrCodeValidationFailed, "content is required", nil)
	}
	if len(in.Content) > maxContentLength {
		return nil, errors.Newf(errors.ErrCodeValidationFailed,
			"content exceeds %d bytes", maxContentLength)
	}
	if in.Kind == "" {
		in.Kind = KindSemantic
	}
	if in.Importance == "" {
		in.Importance = "medium"
	}

	m := store.Memory{
		ID:         uuid.NewString(),
		Content:    in.Content,
		Kind:       in.Kind,
		Importance: in.Importance,
		Tags:       in.Tags,
		Metadata:   in.Metadata,
	}

	deferred := false
	vec, err := s.embedder.EmbedWithPriority(ctx, in.Content, governor.PriorityHigh)
	switch {
	case err == nil:
		v := pgvector.NewVector(vec)
		m.Embedding = &v
	case ctx.Err() != nil:
		return nil, err
	default:
		s.logger.Warn("embedding deferred for save",
			slog.String("error", err.Error()))
		deferred = true
	}

	id, existing, err := s.storage.InsertMemory(ctx, m)
	if err != nil {
		return nil, err
	}

	if !existing && m.Embedding != nil {
		s.cache.put(id, vec, cacheEntry{
			Content:   m.Content,
			Kind:      m.Kind,
			Tags:      m.Tags,
			CreatedAt: time.Now(),
		})
	}
	if deferred && s.backfill != nil {
		s.backfill.Kick()
	}

	return &SaveResult{ID: id, Existing: existing, Deferred: deferred}, nil
}

// Find embeds the query and runs cosine k-NN. When the store is
// unreachable it answers from the in-process cache with the degraded
// flag set.
func (s *Service) Find(ctx context.Context, in FindInput) (*FindResult, error) {
	if in.Query == "" {
		return nil, errors.New(errors.ErrCodeValidationFailed, "query is required", nil)
	}
	if in.K <= 0 {
		in.K = DefaultK
	}
	if in.Threshold <= 0 {
		in.Threshold = DefaultThreshold
	}

	vec, err := s.embedder.EmbedWithPriority(ctx, in.Query, governor.PriorityCritical)
	if err != nil {
		return nil, err
	}

	hits, err := s.storage.SearchMemories(ctx, pgvector.NewVector(vec), in.K, in.Threshold,
		store.MemoryFilter{Kind: in.Kind, TagsAny: in.TagsAny})
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeStorageUnavailable) {
			s.logger.Warn("store unavailable, answering from cache")
			return &FindResult{
				Hits:     s.cache.search(vec, in.K, in.Threshold, in.Kind, in.TagsAny),
				Degraded: true,
			}, nil
		}
		return nil, err
	}

	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		out = append(out, Hit{
			ID:        h.ID,
			Content:   h.Content,
			Kind:      h.Kind,
			Tags:      h.Tags,
			Score:     h.Score,
			CreatedAt: h.CreatedAt,
		})
		if h.Embedding != nil {
			s.cache.put(h.ID, h.Embedding.Slice(), cacheEntry{
				Content:   h.Content,
				Kind:      h.Kind,
				Tags:      h.Tags,
				CreatedAt: h.CreatedAt,
			})
		}
	}
	return &FindResult{Hits: out}, nil
}

// Get loads one memory by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Memory, error) {
	if id == "" {
		return nil, errors.New(errors.ErrCodeValidationFailed, "id is required", nil)
	}
	return s.storage.GetMemory(ctx, id)
}

// Delete removes one memory and drops it from the read cache.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New(errors.ErrCodeValidationFailed, "id is required", nil)
	}
	deleted, err := s.storage.DeleteMemory(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.cache.remove(id)
	}
	return deleted, nil
}

// FindCodePointers searches definitions and whole files, merged by
// score.
func (s *Service) FindCodePointers(ctx context.Context, query string, k int) ([]Pointer, error) {
	if query == "" {
		return nil, errors.New(errors.ErrCodeValidationFailed, "query is required", nil)
	}
	if k <= 0 {
		k = DefaultK
	}

	vec, err := s.embedder.EmbedWithPriority(ctx, query, governor.PriorityCritical)
	if err != nil {
		return nil, err
	}
	qv := pgvector.NewVector(vec)

	defs, err := s.storage.SearchDefinitions(ctx, qv, k, DefaultThreshold)
	if err != nil {
		return nil, err
	}
	files, err := s.storage.SearchFiles(ctx, qv, k, DefaultThreshold)
	if err != nil {
		return nil, err
	}

	pointers := make([]Pointer, 0, len(defs)+len(files))
	for _, d := range defs {
		pointers = append(pointers, Pointer{
			ID:        d.ID,
			Name:      d.Name,
			Kind:      d.Kind,
			File:      d.FilePath,
			StartLine: d.StartLine,
			EndLine:   d.EndLine,
			Signature: d.Signature,
			Score:     d.Score,
			Snippet:   d.Snippet,
		})
	}
	for _, f := range files {
		pointers = append(pointers, Pointer{
			ID:        f.ID,
			Name:      f.Path,
			Kind:      "file",
			File:      f.Path,
			StartLine: 1,
			EndLine:   f.LineCount,
			Score:     f.Score,
		})
	}

	sort.SliceStable(pointers, func(i, j int) bool {
		return pointers[i].Score > pointers[j].Score
	})
	if len(pointers) > k {
		pointers = pointers[:k]
	}
	return pointers, nil
}
