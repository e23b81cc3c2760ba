// Package index drives the codebase indexing pipeline: scan the tree,
// hash-gate unchanged files, embed in batches, and persist file and
// definition rows with their vectors. Re-running after a crash
// converges because ids are deterministic and unchanged files are
// skipped by content hash.
package index

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/extract"
	"github.com/specmem/specmem/internal/governor"
	"github.com/specmem/specmem/internal/metrics"
	"github.com/specmem/specmem/internal/scanner"
	"github.com/specmem/specmem/internal/store"
)

const (
	defaultFileBatchSize  = 50
	defaultParallelism    = 16
	defaultEmbedBatchSize = 100

	// maxDefinitionEmbeds bounds per-file definition embedding work.
	// Definitions past the cap are persisted without vectors and
	// picked up by backfill.
	maxDefinitionEmbeds = 30

	// gateWait bounds how long a batch waits for the governor before
	// proceeding (or, for idle work, being skipped).
	gateWait = 30 * time.Second
)

// Storage is the slice of the store the pipeline writes through.
type Storage interface {
	FileStates(ctx context.Context) (map[string]store.FileState, error)
	ReplaceFiles(ctx context.Context, files []store.CodeFile) error
	UpsertDefinitions(ctx context.Context, fileID string, defs []store.Definition) error
	DeleteFilesByPath(ctx context.Context, paths []string) error
}

// Gate admits heavy work based on system load. The governor satisfies
// it; a nil gate admits everything.
type Gate interface {
	WaitAdmissible(ctx context.Context, p governor.Priority, maxWait time.Duration) error
}

// Options wires a pipeline.
type Options struct {
	Scanner  *scanner.Scanner
	Storage  Storage
	Embedder broker.PriorityEmbedder
	Gate     Gate
	Logger   *slog.Logger
	Tracker  *Tracker

	// Priority for embedding calls and gate checks. Zero value is
	// critical, so callers should set it; the background runner uses
	// medium for startup runs and idle for reconciliation.
	Priority governor.Priority

	FileBatchSize  int
	Parallelism    int
	EmbedBatchSize int
}

// Result summarizes one pipeline run.
type Result struct {
	FilesScanned     int
	FilesIndexed     int
	FilesSkipped     int
	FilesDeleted     int
	Definitions      int
	EmbeddingsOK     int
	EmbeddingsFailed int
	ScanErrors       int
	BatchesSkipped   int
	Duration         time.Duration
}

// Pipeline indexes one project tree into the store.
type Pipeline struct {
	opts Options

	// runMu serializes passes. The startup runner, watcher kicks and
	// the reconcile ticker all share one pipeline; overlapping passes
	// would race on the same rows and tracker.
	runMu sync.Mutex
}

// New validates options and applies defaults.
func New(opts Options) (*Pipeline, error) {
	if opts.Scanner == nil || opts.Storage == nil || opts.Embedder == nil {
		return nil, errors.Newf(errors.ErrCodeInternal, "index: scanner, storage and embedder are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracker == nil {
		opts.Tracker = NewTracker()
	}
	if opts.FileBatchSize <= 0 {
		opts.FileBatchSize = defaultFileBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = defaultEmbedBatchSize
	}
	return &Pipeline{opts: opts}, nil
}

// Tracker exposes the progress snapshot source.
func (p *Pipeline) Tracker() *Tracker { return p.opts.Tracker }

// item is one file moving through the five phases.
type item struct {
	file      scanner.FileInfo
	content   string
	hash      string
	lineCount int
	skip      bool
	embedText string
	embedding *pgvector.Vector
	defs      []extract.Definition
	defVecs   []*pgvector.Vector
}

// Run executes a full scan-and-index pass. It is safe to call
// repeatedly; unchanged files cost one stat, one read and one hash.
// Concurrent calls queue behind each other, so one pipeline can serve
// a foreground pass and a background reconciler at once.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := time.Now()
	tr := p.opts.Tracker
	var res Result

	states, err := p.opts.Storage.FileStates(ctx)
	if err != nil {
		tr.finish(err)
		return res, err
	}

	tr.begin(0)
	var files []scanner.FileInfo
	for r := range p.opts.Scanner.Scan(ctx) {
		if r.Err != nil {
			res.ScanErrors++
			p.opts.Logger.Warn("scan error", "error", r.Err)
			continue
		}
		files = append(files, *r.File)
	}
	if ctx.Err() != nil {
		tr.finish(ctx.Err())
		return res, ctx.Err()
	}
	res.FilesScanned = len(files)
	tr.begin(len(files))

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		seen[f.Path] = struct{}{}
	}

	for off := 0; off < len(files); off += p.opts.FileBatchSize {
		end := off + p.opts.FileBatchSize
		if end > len(files) {
			end = len(files)
		}

		if skip, err := p.admit(ctx); err != nil {
			tr.finish(err)
			return res, err
		} else if skip {
			res.BatchesSkipped++
			tr.fileDone(end - off)
			continue
		}

		if err := p.runBatch(ctx, files[off:end], states, &res); err != nil {
			tr.finish(err)
			return res, err
		}
	}

	// Rows whose files vanished from the tree.
	var stale []string
	for path := range states {
		if _, ok := seen[path]; !ok {
			stale = append(stale, path)
		}
	}
	if len(stale) > 0 {
		if err := p.opts.Storage.DeleteFilesByPath(ctx, stale); err != nil {
			tr.finish(err)
			return res, err
		}
		res.FilesDeleted = len(stale)
		p.opts.Logger.Info("removed vanished files from index", "count", len(stale))
	}

	res.Duration = time.Since(start)
	tr.finish(nil)
	metrics.IndexRun(res.FilesIndexed, res.Definitions)
	p.opts.Logger.Info("index run complete",
		"scanned", res.FilesScanned,
		"indexed", res.FilesIndexed,
		"skipped", res.FilesSkipped,
		"deleted", res.FilesDeleted,
		"definitions", res.Definitions,
		"embed_failed", res.EmbeddingsFailed,
		"duration", res.Duration)
	return res, nil
}

// admit consults the gate before a batch. Loaded system: blocked work
// waits up to gateWait and then proceeds anyway, except idle-priority
// work which is skipped for this cycle.
func (p *Pipeline) admit(ctx context.Context) (skip bool, err error) {
	if p.opts.Gate == nil {
		return false, nil
	}
	gateErr := p.opts.Gate.WaitAdmissible(ctx, p.opts.Priority, gateWait)
	if gateErr == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if p.opts.Priority == governor.PriorityIdle {
		p.opts.Logger.Debug("system loaded, skipping idle batch")
		return true, nil
	}
	p.opts.Logger.Warn("system loaded past gate wait, proceeding", "priority", p.opts.Priority.String())
	return false, nil
}

func (p *Pipeline) runBatch(ctx context.Context, batch []scanner.FileInfo, states map[string]store.FileState, res *Result) error {
	items := make([]*item, len(batch))
	for i, f := range batch {
		items[i] = &item{file: f}
	}

	if err := p.readPhase(ctx, items, states); err != nil {
		return err
	}
	p.embedFilesPhase(ctx, items, res)
	if err := p.persistFilesPhase(ctx, items, res); err != nil {
		return err
	}
	p.embedDefsPhase(ctx, items, res)
	if err := p.persistDefsPhase(ctx, items, res); err != nil {
		return err
	}

	for range items {
		p.opts.Tracker.fileDone(1)
	}
	return nil
}

// readPhase loads, hash-gates and extracts, in parallel across the
// batch.
func (p *Pipeline) readPhase(ctx context.Context, items []*item, states map[string]store.FileState) error {
	p.opts.Tracker.phase(PhaseRead, items[0].file.Path)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	for _, it := range items {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			raw, err := os.ReadFile(it.file.AbsPath)
			if err != nil {
				// Deleted or unreadable since the scan. Drop it;
				// the next run reconciles.
				it.skip = true
				return nil
			}
			if bytes.IndexByte(raw[:min(len(raw), 8192)], 0) >= 0 || !utf8.Valid(raw) {
				it.skip = true
				return nil
			}

			sum := sha256.Sum256(raw)
			it.hash = hex.EncodeToString(sum[:])
			if st, ok := states[it.file.Path]; ok && st.ContentHash == it.hash && st.HasEmbedding {
				it.skip = true
				return nil
			}

			it.content = string(raw)
			it.lineCount = strings.Count(it.content, "\n") + 1
			it.embedText = store.FileEmbedText(it.file.Path, it.file.Language, it.content)

			defs, truncated := extract.Definitions(it.file.Language, it.content)
			if truncated {
				p.opts.Logger.Warn("definition extraction truncated", "path", it.file.Path, "kept", len(defs))
			}
			it.defs = defs
			it.defVecs = make([]*pgvector.Vector, len(defs))
			return nil
		})
	}
	return g.Wait()
}

// embedFilesPhase batch-embeds changed files. Embedding failure is not
// fatal; the row is written without a vector and backfill retries.
func (p *Pipeline) embedFilesPhase(ctx context.Context, items []*item, res *Result) {
	p.opts.Tracker.phase(PhaseEmbedFiles, "")

	var pending []*item
	var texts []string
	for _, it := range items {
		if it.skip {
			continue
		}
		pending = append(pending, it)
		texts = append(texts, it.embedText)
	}

	for off := 0; off < len(pending); off += p.opts.EmbedBatchSize {
		end := min(off+p.opts.EmbedBatchSize, len(pending))
		vecs, err := p.opts.Embedder.EmbedBatchWithPriority(ctx, texts[off:end], p.opts.Priority)
		if err != nil {
			p.opts.Logger.Warn("file embedding batch failed, deferring", "count", end-off, "error", err)
			p.opts.Tracker.embeds(0, end-off)
			res.EmbeddingsFailed += end - off
			continue
		}
		ok, failed := 0, 0
		for i, v := range vecs {
			if v == nil {
				failed++
				continue
			}
			vec := pgvector.NewVector(v)
			pending[off+i].embedding = &vec
			ok++
		}
		p.opts.Tracker.embeds(ok, failed)
		res.EmbeddingsOK += ok
		res.EmbeddingsFailed += failed
	}
}

func (p *Pipeline) persistFilesPhase(ctx context.Context, items []*item, res *Result) error {
	p.opts.Tracker.phase(PhasePersistFile, "")

	var rows []store.CodeFile
	for _, it := range items {
		if it.skip {
			res.FilesSkipped++
			continue
		}
		rows = append(rows, store.CodeFile{
			ID:          store.FileID(it.file.Path),
			Path:        it.file.Path,
			AbsPath:     it.file.AbsPath,
			Language:    it.file.Language,
			Content:     it.content,
			ContentHash: it.hash,
			SizeBytes:   int64(len(it.content)),
			LineCount:   it.lineCount,
			Embedding:   it.embedding,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := p.opts.Storage.ReplaceFiles(ctx, rows); err != nil {
		return err
	}
	res.FilesIndexed += len(rows)
	return nil
}

// embedDefsPhase embeds the first maxDefinitionEmbeds definitions per
// file; the vectors are attached positionally.
func (p *Pipeline) embedDefsPhase(ctx context.Context, items []*item, res *Result) {
	p.opts.Tracker.phase(PhaseEmbedDefs, "")

	type slot struct {
		it *item
		i  int
	}
	var slots []slot
	var texts []string
	for _, it := range items {
		if it.skip {
			continue
		}
		limit := min(len(it.defs), maxDefinitionEmbeds)
		for i := 0; i < limit; i++ {
			d := it.defs[i]
			slots = append(slots, slot{it: it, i: i})
			texts = append(texts, store.DefinitionEmbedText(d.Kind, d.Name, d.Signature, it.file.Path))
		}
	}

	vectors := make([]*pgvector.Vector, len(slots))
	for off := 0; off < len(slots); off += p.opts.EmbedBatchSize {
		end := min(off+p.opts.EmbedBatchSize, len(slots))
		vecs, err := p.opts.Embedder.EmbedBatchWithPriority(ctx, texts[off:end], p.opts.Priority)
		if err != nil {
			p.opts.Logger.Warn("definition embedding batch failed, deferring", "count", end-off, "error", err)
			p.opts.Tracker.embeds(0, end-off)
			res.EmbeddingsFailed += end - off
			continue
		}
		ok, failed := 0, 0
		for i, v := range vecs {
			if v == nil {
				failed++
				continue
			}
			vec := pgvector.NewVector(v)
			vectors[off+i] = &vec
			ok++
		}
		p.opts.Tracker.embeds(ok, failed)
		res.EmbeddingsOK += ok
		res.EmbeddingsFailed += failed
	}

	for i, s := range slots {
		if vectors[i] != nil {
			s.it.defVecs[s.i] = vectors[i]
		}
	}
}

func (p *Pipeline) persistDefsPhase(ctx context.Context, items []*item, res *Result) error {
	p.opts.Tracker.phase(PhasePersistDefs, "")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	total := 0
	for _, it := range items {
		if it.skip {
			continue
		}
		total += len(it.defs)
		fileID := store.FileID(it.file.Path)
		rows := make([]store.Definition, len(it.defs))
		for i, d := range it.defs {
			rows[i] = store.Definition{
				ID:        store.DefinitionID(it.file.Path, d.Kind, d.Name, d.StartLine),
				FileID:    fileID,
				Name:      d.Name,
				Kind:      d.Kind,
				Signature: d.Signature,
				Snippet:   d.Snippet,
				StartLine: d.StartLine,
				EndLine:   d.EndLine,
				Exported:  d.Exported,
				Embedding: it.defVecs[i],
			}
		}
		g.Go(func() error {
			return p.opts.Storage.UpsertDefinitions(gctx, fileID, rows)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	res.Definitions += total
	return nil
}
