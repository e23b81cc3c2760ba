package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/specmem/specmem/internal/errors"
)

// Memory is one stored memory row. Embedding is nil for rows awaiting
// backfill.
type Memory struct {
	ID         string
	Content    string
	Kind       string
	Importance string
	Tags       []string
	Metadata   map[string]any
	Embedding  *pgvector.Vector
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MemoryHit is one search result with its cosine similarity.
type MemoryHit struct {
	Memory
	Score float64
}

// MemoryFilter narrows a search.
type MemoryFilter struct {
	Kind    string
	TagsAny []string
}

const memoryColumns = `id, content, kind, importance, tags, metadata, embedding, created_at, updated_at`

// InsertMemory writes one memory. A duplicate is a row with the same
// metadata.hash AND kind; inserting one is an idempotent no-op that
// returns the existing row's id with existing set. The same hash under
// a different kind is a distinct memory.
func (s *Store) InsertMemory(ctx context.Context, m Memory) (id string, existing bool, err error) {
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	var inserted bool
	err = s.write("insert memory", func() error {
		tag, execErr := s.pool.Exec(ctx, `
			INSERT INTO memories (id, project_path, content, kind, importance, tags, metadata, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			ON CONFLICT ((metadata->>'hash'), kind) WHERE metadata ? 'hash' DO NOTHING`,
			m.ID, s.project.Path, m.Content, m.Kind, m.Importance, m.Tags, m.Metadata, m.Embedding)
		if execErr != nil {
			return queryErr("insert memory", execErr)
		}
		inserted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if inserted {
		return m.ID, false, nil
	}

	// The (hash, kind) pair already exists; hand back the original id.
	hash, _ := m.Metadata["hash"].(string)
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM memories WHERE project_path = $1 AND metadata->>'hash' = $2 AND kind = $3`,
		s.project.Path, hash, m.Kind).Scan(&id)
	if err != nil {
		return "", false, queryErr("resolve duplicate memory", err)
	}
	return id, true, nil
}

// GetMemory loads one row by id; absence is ERR_601_NOT_FOUND.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1 AND project_path = $2`,
		id, s.project.Path)

	m, err := scanMemory(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeNotFound, "memory %s not found", id)
	}
	if err != nil {
		return nil, queryErr("get memory", err)
	}
	return m, nil
}

// DeleteMemory removes one row; reports whether it existed.
func (s *Store) DeleteMemory(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.write("delete memory", func() error {
		tag, execErr := s.pool.Exec(ctx,
			`DELETE FROM memories WHERE id = $1 AND project_path = $2`,
			id, s.project.Path)
		if execErr != nil {
			return queryErr("delete memory", execErr)
		}
		existed = tag.RowsAffected() > 0
		return nil
	})
	return existed, err
}

// SearchMemories runs cosine k-NN over rows with embeddings. Results
// at or above the threshold come back ordered by similarity, newest
// first on ties, then by importance rank.
func (s *Store) SearchMemories(ctx context.Context, query pgvector.Vector, k int, threshold float64, filter MemoryFilter) ([]MemoryHit, error) {
	sql := `
		SELECT ` + memoryColumns + `, 1 - (embedding <=> $1) AS similarity
		FROM memories
		WHERE embedding IS NOT NULL AND project_path = $2
		  AND 1 - (embedding <=> $1) >= $3`
	args := []any{query, s.project.Path, threshold}

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		sql += ` AND kind = $4`
	}
	if len(filter.TagsAny) > 0 {
		args = append(args, filter.TagsAny)
		sql += ` AND tags && $` + itoa(len(args))
	}

	args = append(args, k)
	sql += `
		ORDER BY similarity DESC, created_at DESC,
		  CASE importance WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC
		LIMIT $` + itoa(len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, queryErr("search memories", err)
	}
	defer rows.Close()

	var hits []MemoryHit
	for rows.Next() {
		var hit MemoryHit
		m, err := scanMemoryWithScore(rows, &hit.Score)
		if err != nil {
			return nil, queryErr("scan memory hit", err)
		}
		hit.Memory = *m
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("search memories", err)
	}
	return hits, nil
}

// PendingMemoryEmbeddings lists rows awaiting backfill, oldest first.
func (s *Store) PendingMemoryEmbeddings(ctx context.Context, limit int) ([]Memory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE embedding IS NULL AND project_path = $1
		ORDER BY created_at ASC LIMIT $2`,
		s.project.Path, limit)
	if err != nil {
		return nil, queryErr("list pending memories", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, queryErr("scan pending memory", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SetMemoryEmbedding backfills one embedding. A non-null embedding is
// never replaced with null, so the vector is required here.
func (s *Store) SetMemoryEmbedding(ctx context.Context, id string, embedding pgvector.Vector) error {
	return s.write("set memory embedding", func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE memories SET embedding = $1, updated_at = now()
			WHERE id = $2 AND project_path = $3`,
			embedding, id, s.project.Path)
		return queryErr("set memory embedding", err)
	})
}

// CountMemories reports total rows and rows awaiting embeddings.
func (s *Store) CountMemories(ctx context.Context) (total, pending int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE embedding IS NULL)
		FROM memories WHERE project_path = $1`,
		s.project.Path).Scan(&total, &pending)
	if err != nil {
		return 0, 0, queryErr("count memories", err)
	}
	return total, pending, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	return scanMemoryWithScore(row, nil)
}

func scanMemoryWithScore(row rowScanner, score *float64) (*Memory, error) {
	var m Memory
	dest := []any{&m.ID, &m.Content, &m.Kind, &m.Importance, &m.Tags, &m.Metadata, &m.Embedding, &m.CreatedAt, &m.UpdatedAt}
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &m, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
