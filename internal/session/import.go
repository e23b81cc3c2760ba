// Package session imports host-assistant conversation transcripts as
// episodic memories. Transcripts are JSONL files the assistant writes
// under its own state directory; each line is one frame. Only user
// prompts and assistant text responses are kept. The import is
// idempotent: a frame's identity hash collides with the row inserted
// by a previous run and becomes a no-op.
package session

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/governor"
	"github.com/specmem/specmem/internal/store"
)

const (
	// maxLineBytes accommodates frames carrying large pasted content.
	maxLineBytes = 4 * 1024 * 1024

	// embedBatchSize matches the indexing pipeline's embedding width.
	embedBatchSize = 100

	// maxContentBytes truncates degenerate frames before embedding.
	maxContentBytes = 100_000
)

// Storage is the slice of the store the importer writes through.
type Storage interface {
	InsertMemory(ctx context.Context, m store.Memory) (id string, existing bool, err error)
}

// Stats summarizes one import pass.
type Stats struct {
	Files      int
	Frames     int
	Imported   int
	Duplicates int
	Skipped    int
	Deferred   int
}

// Importer walks transcript files and persists the survivors.
type Importer struct {
	storage  Storage
	embedder broker.PriorityEmbedder
	dir      string
	logger   *slog.Logger
}

// NewImporter reads transcripts from dir.
func NewImporter(storage Storage, embedder broker.PriorityEmbedder, dir string, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{storage: storage, embedder: embedder, dir: dir, logger: logger}
}

// DefaultTranscriptDir is where the host assistant keeps transcripts
// for one project: a per-project directory whose name is the project
// path with separators flattened to dashes.
func DefaultTranscriptDir(projectPath string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New(errors.ErrCodeEnvironmentUnusable, "resolve home directory", err)
	}
	munged := strings.NewReplacer("/", "-", ".", "-", "_", "-").Replace(projectPath)
	return filepath.Join(home, ".claude", "projects", munged), nil
}

// frame is one transcript line. Content is either a plain string or a
// list of typed blocks; tool-only frames carry no text blocks.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// candidate is one frame that survived filtering.
type candidate struct {
	sessionID string
	role      string
	timestamp string
	text      string
}

// Run imports every transcript under the configured directory. A
// missing directory is a clean no-op: the host assistant may simply
// never have run in this project.
func (im *Importer) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	entries, err := os.ReadDir(im.dir)
	if os.IsNotExist(err) {
		return stats, nil
	}
	if err != nil {
		return stats, errors.New(errors.ErrCodeEnvironmentUnusable, "read transcript directory", err)
	}

	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		stats.Files++
		cs, frames, err := im.readTranscript(filepath.Join(im.dir, e.Name()))
		if err != nil {
			im.logger.Warn("transcript unreadable, skipping", "file", e.Name(), "error", err)
			continue
		}
		stats.Frames += frames
		candidates = append(candidates, cs...)
	}
	stats.Skipped = stats.Frames - len(candidates)

	for off := 0; off < len(candidates); off += embedBatchSize {
		end := min(off+embedBatchSize, len(candidates))
		if err := im.importBatch(ctx, candidates[off:end], &stats); err != nil {
			return stats, err
		}
	}

	im.logger.Info("transcript import complete",
		"files", stats.Files,
		"frames", stats.Frames,
		"imported", stats.Imported,
		"duplicates", stats.Duplicates,
		"deferred", stats.Deferred)
	return stats, nil
}

func (im *Importer) readTranscript(path string) ([]candidate, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var out []candidate
	frames := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var fr frame
		if err := json.Unmarshal(line, &fr); err != nil {
			continue
		}
		if fr.Type != "user" && fr.Type != "assistant" {
			continue
		}
		frames++

		text := frameText(fr.Message.Content)
		if strings.TrimSpace(text) == "" || fr.SessionID == "" || fr.Timestamp == "" {
			continue
		}
		if len(text) > maxContentBytes {
			text = text[:maxContentBytes]
		}
		out = append(out, candidate{
			sessionID: fr.SessionID,
			role:      fr.Type,
			timestamp: fr.Timestamp,
			text:      text,
		})
	}
	return out, frames, sc.Err()
}

// frameText flattens a content payload to its visible text. Tool use
// and tool result blocks are dropped.
func frameText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (im *Importer) importBatch(ctx context.Context, batch []candidate, stats *Stats) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.text
	}

	vecs, err := im.embedder.EmbedBatchWithPriority(ctx, texts, governor.PriorityLow)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Import anyway; backfill re-embeds the rows later.
		im.logger.Warn("transcript embedding failed, importing without vectors", "count", len(batch), "error", err)
		vecs = make([][]float32, len(batch))
	}

	for i, c := range batch {
		var embedding *pgvector.Vector
		if vecs[i] != nil {
			v := pgvector.NewVector(vecs[i])
			embedding = &v
		} else {
			stats.Deferred++
		}

		sum := sha256.Sum256([]byte(c.sessionID + c.timestamp))
		_, existing, err := im.storage.InsertMemory(ctx, store.Memory{
			ID:         uuid.NewString(),
			Content:    c.text,
			Kind:       "episodic",
			Importance: "low",
			Tags:       []string{"session:" + c.sessionID, "role:" + c.role},
			Metadata: map[string]any{
				"hash":      hex.EncodeToString(sum[:]),
				"source":    "transcript",
				"timestamp": c.timestamp,
			},
			Embedding: embedding,
		})
		if err != nil {
			return err
		}
		if existing {
			stats.Duplicates++
		} else {
			stats.Imported++
		}
	}
	return nil
}
