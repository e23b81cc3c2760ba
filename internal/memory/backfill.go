package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/governor"
	"github.com/specmem/specmem/internal/store"
)

// Backfill pacing.
const (
	defaultBackfillInterval = 2 * time.Minute
	backfillBatchLimit      = 100
)

// BackfillStorage is the slice of the store the backfill worker needs.
type BackfillStorage interface {
	PendingMemoryEmbeddings(ctx context.Context, limit int) ([]store.Memory, error)
	SetMemoryEmbedding(ctx context.Context, id string, embedding pgvector.Vector) error
	PendingFileEmbeddings(ctx context.Context, limit int) ([]store.CodeFile, error)
	SetFileEmbedding(ctx context.Context, id string, embedding pgvector.Vector) error
	PendingDefinitionEmbeddings(ctx context.Context, limit int) ([]store.PendingDefinition, error)
	SetDefinitionEmbedding(ctx context.Context, id string, embedding pgvector.Vector) error
}

// Backfiller re-embeds rows whose embedding was deferred: memories
// first, then files, then definitions, bounded per cycle. Work runs at
// low priority so interactive traffic always wins.
type Backfiller struct {
	storage  BackfillStorage
	embedder broker.PriorityEmbedder
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewBackfiller wires a backfill worker.
func NewBackfiller(storage BackfillStorage, embedder broker.PriorityEmbedder, interval time.Duration, logger *slog.Logger) *Backfiller {
	if interval <= 0 {
		interval = defaultBackfillInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{
		storage:  storage,
		embedder: embedder,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   logger,
	}
}

// Kick schedules a cycle soon; deferred writes call it so backfill
// does not wait a full interval.
func (b *Backfiller) Kick() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Run loops until the context ends.
func (b *Backfiller) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.trigger:
		}
		if n, err := b.RunOnce(ctx); err != nil {
			b.logger.Warn("backfill cycle failed", slog.String("error", err.Error()))
		} else if n > 0 {
			b.logger.Info("backfill cycle", slog.Int("embedded", n))
		}
	}
}

// RunOnce processes one bounded cycle and reports how many rows got
// embeddings.
func (b *Backfiller) RunOnce(ctx context.Context) (int, error) {
	done, err := b.memories(ctx)
	if err != nil {
		return done, err
	}
	n, err := b.files(ctx)
	done += n
	if err != nil {
		return done, err
	}
	n, err = b.definitions(ctx)
	done += n
	return done, err
}

func (b *Backfiller) memories(ctx context.Context) (int, error) {
	pending, err := b.storage.PendingMemoryEmbeddings(ctx, backfillBatchLimit)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	texts := make([]string, len(pending))
	for i, m := range pending {
		texts[i] = m.Content
	}
	vecs, err := b.embedder.EmbedBatchWithPriority(ctx, texts, governor.PriorityLow)
	if err != nil {
		return 0, err
	}

	done := 0
	for i, m := range pending {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		if err := b.storage.SetMemoryEmbedding(ctx, m.ID, pgvector.NewVector(vecs[i])); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (b *Backfiller) files(ctx context.Context) (int, error) {
	pending, err := b.storage.PendingFileEmbeddings(ctx, backfillBatchLimit)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	// Embed the content stored at index time, not the file on disk;
	// the vector must match the row even after the file changed. Rows
	// without stored content predate the content column and wait for
	// the next index pass to refresh them.
	texts := make([]string, 0, len(pending))
	rows := make([]store.CodeFile, 0, len(pending))
	for _, f := range pending {
		if f.Content == "" {
			continue
		}
		texts = append(texts, store.FileEmbedText(f.Path, f.Language, f.Content))
		rows = append(rows, f)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	vecs, err := b.embedder.EmbedBatchWithPriority(ctx, texts, governor.PriorityLow)
	if err != nil {
		return 0, err
	}

	done := 0
	for i, f := range rows {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		if err := b.storage.SetFileEmbedding(ctx, f.ID, pgvector.NewVector(vecs[i])); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (b *Backfiller) definitions(ctx context.Context) (int, error) {
	pending, err := b.storage.PendingDefinitionEmbeddings(ctx, backfillBatchLimit)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	texts := make([]string, len(pending))
	for i, d := range pending {
		texts[i] = store.DefinitionEmbedText(d.Kind, d.Name, d.Signature, d.FilePath)
	}
	vecs, err := b.embedder.EmbedBatchWithPriority(ctx, texts, governor.PriorityLow)
	if err != nil {
		return 0, err
	}

	done := 0
	for i, d := range pending {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		if err := b.storage.SetDefinitionEmbedding(ctx, d.ID, pgvector.NewVector(vecs[i])); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}
