package store

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Definition is one extracted code definition. The id is stable for an
// unchanged (path, kind, name, startLine) tuple.
type Definition struct {
	ID        string
	FileID    string
	Name      string
	Kind      string
	Signature string
	Snippet   string
	StartLine int
	EndLine   int
	Exported  bool
	Embedding *pgvector.Vector
	UpdatedAt time.Time
}

// DefinitionHit is one vector search result joined with its file path.
type DefinitionHit struct {
	Definition
	FilePath string
	Score    float64
}

// UpsertDefinitions replaces a file's definitions in one transaction:
// rows no longer extracted are dropped, survivors are upserted. An
// existing non-null embedding is kept when the incoming row has none.
func (s *Store) UpsertDefinitions(ctx context.Context, fileID string, defs []Definition) error {
	return s.write("upsert definitions", func() error {
		return s.upsertDefinitions(ctx, fileID, defs)
	})
}

func (s *Store) upsertDefinitions(ctx context.Context, fileID string, defs []Definition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return queryErr("begin upsert definitions", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM code_definitions WHERE file_id = $1 AND NOT (id = ANY($2))`,
		fileID, ids); err != nil {
		return queryErr("prune stale definitions", err)
	}

	for _, d := range defs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO code_definitions (id, file_id, project_path, name, kind, signature, snippet, start_line, end_line, exported, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
			ON CONFLICT (id) DO UPDATE SET
			  file_id = EXCLUDED.file_id,
			  name = EXCLUDED.name,
			  kind = EXCLUDED.kind,
			  signature = EXCLUDED.signature,
			  snippet = EXCLUDED.snippet,
			  start_line = EXCLUDED.start_line,
			  end_line = EXCLUDED.end_line,
			  exported = EXCLUDED.exported,
			  embedding = COALESCE(EXCLUDED.embedding, code_definitions.embedding),
			  updated_at = now()`,
			d.ID, fileID, s.project.Path, d.Name, d.Kind, d.Signature, d.Snippet,
			d.StartLine, d.EndLine, d.Exported, d.Embedding); err != nil {
			return queryErr("upsert definition", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return queryErr("commit upsert definitions", err)
	}
	return nil
}

// SearchDefinitions runs cosine k-NN over definition embeddings,
// joined to code_files for the path.
func (s *Store) SearchDefinitions(ctx context.Context, query pgvector.Vector, k int, threshold float64) ([]DefinitionHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.file_id, d.name, d.kind, d.signature, d.snippet,
		       d.start_line, d.end_line, d.exported, d.updated_at,
		       f.path, 1 - (d.embedding <=> $1) AS similarity
		FROM code_definitions d
		JOIN code_files f ON f.id = d.file_id
		WHERE d.embedding IS NOT NULL AND d.project_path = $2
		  AND 1 - (d.embedding <=> $1) >= $3
		ORDER BY similarity DESC LIMIT $4`,
		query, s.project.Path, threshold, k)
	if err != nil {
		return nil, queryErr("search definitions", err)
	}
	defer rows.Close()

	var hits []DefinitionHit
	for rows.Next() {
		var h DefinitionHit
		if err := rows.Scan(&h.ID, &h.FileID, &h.Name, &h.Kind, &h.Signature, &h.Snippet,
			&h.StartLine, &h.EndLine, &h.Exported, &h.UpdatedAt, &h.FilePath, &h.Score); err != nil {
			return nil, queryErr("scan definition hit", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// PendingDefinition is one definition awaiting backfill, joined with
// its file path so the embedding input can be rebuilt.
type PendingDefinition struct {
	Definition
	FilePath string
}

// PendingDefinitionEmbeddings lists definitions awaiting backfill.
func (s *Store) PendingDefinitionEmbeddings(ctx context.Context, limit int) ([]PendingDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.file_id, d.name, d.kind, d.signature, d.snippet,
		       d.start_line, d.end_line, d.exported, d.updated_at, f.path
		FROM code_definitions d
		JOIN code_files f ON f.id = d.file_id
		WHERE d.embedding IS NULL AND d.project_path = $1
		ORDER BY d.updated_at ASC LIMIT $2`,
		s.project.Path, limit)
	if err != nil {
		return nil, queryErr("list pending definitions", err)
	}
	defer rows.Close()

	var out []PendingDefinition
	for rows.Next() {
		var d PendingDefinition
		if err := rows.Scan(&d.ID, &d.FileID, &d.Name, &d.Kind, &d.Signature, &d.Snippet,
			&d.StartLine, &d.EndLine, &d.Exported, &d.UpdatedAt, &d.FilePath); err != nil {
			return nil, queryErr("scan pending definition", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDefinitionEmbedding backfills one definition embedding.
func (s *Store) SetDefinitionEmbedding(ctx context.Context, id string, embedding pgvector.Vector) error {
	return s.write("set definition embedding", func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE code_definitions SET embedding = $1, updated_at = now()
			WHERE id = $2 AND project_path = $3`,
			embedding, id, s.project.Path)
		return queryErr("set definition embedding", err)
	})
}
