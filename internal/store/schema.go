package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/specmem/specmem/internal/errors"
)

// EnsureSchema creates the project schema, tables, and vector indexes
// idempotently, then pins the embedding dimensionality. A schema built
// with a different dimensionality fails with
// ERR_504_DIMENSION_MISMATCH rather than being silently rebuilt.
func (s *Store) EnsureSchema(ctx context.Context, dims int) error {
	if dims <= 0 {
		return errors.Newf(errors.ErrCodeSchemaFailed, "invalid embedding dimensionality %d", dims)
	}

	existing, err := s.schemaDimensions(ctx)
	if err != nil {
		return err
	}
	if existing > 0 && existing != dims {
		return errors.Newf(errors.ErrCodeDimensionMismatch,
			"schema %s was built with %d-dimensional embeddings, worker advertises %d",
			s.project.SchemaName, existing, dims).
			WithSuggestion("re-run 'specmem init --reindex' to rebuild the index with the new model")
	}

	schema := quoteIdent(s.project.SchemaName)
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.memories (
			id           TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			content      TEXT NOT NULL,
			kind         TEXT NOT NULL,
			importance   TEXT NOT NULL DEFAULT 'medium',
			tags         TEXT[] NOT NULL DEFAULT '{}',
			metadata     JSONB NOT NULL DEFAULT '{}',
			embedding    vector(%d),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema, dims),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.code_files (
			id           TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			path         TEXT NOT NULL,
			abs_path     TEXT NOT NULL DEFAULT '',
			language     TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL,
			size_bytes   BIGINT NOT NULL DEFAULT 0,
			line_count   INTEGER NOT NULL DEFAULT 0,
			embedding    vector(%d),
			indexed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (project_path, path)
		)`, schema, dims),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.code_definitions (
			id           TEXT PRIMARY KEY,
			file_id      TEXT NOT NULL REFERENCES %s.code_files(id) ON DELETE CASCADE,
			project_path TEXT NOT NULL,
			name         TEXT NOT NULL,
			kind         TEXT NOT NULL,
			signature    TEXT NOT NULL DEFAULT '',
			snippet      TEXT NOT NULL DEFAULT '',
			start_line   INTEGER NOT NULL,
			end_line     INTEGER NOT NULL,
			exported     BOOLEAN NOT NULL DEFAULT false,
			embedding    vector(%d),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema, schema, dims),

		// metadata.hash carries write idempotence for memories.
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS memories_metadata_hash
			ON %s.memories ((metadata->>'hash'), kind) WHERE metadata ? 'hash'`, schema),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_embedding_cos
			ON %s.memories USING hnsw (embedding vector_cosine_ops)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS code_files_embedding_cos
			ON %s.code_files USING hnsw (embedding vector_cosine_ops)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS code_definitions_embedding_cos
			ON %s.code_definitions USING hnsw (embedding vector_cosine_ops)`, schema),

		fmt.Sprintf(`GRANT ALL ON SCHEMA %s TO current_user`, schema),
		fmt.Sprintf(`GRANT ALL ON ALL TABLES IN SCHEMA %s TO current_user`, schema),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.New(errors.ErrCodeSchemaFailed, "schema setup failed", err)
		}
	}

	s.dims = dims
	s.logger.Info("schema ready",
		slog.String("schema", s.project.SchemaName),
		slog.Int("dimensions", dims))
	return nil
}

// schemaDimensions introspects the dimensionality the memories table
// was created with; 0 when the table does not exist yet. For pgvector
// columns atttypmod carries the declared dimension directly.
func (s *Store) schemaDimensions(ctx context.Context) (int, error) {
	var dims int
	err := s.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON a.attrelid = c.oid
		JOIN pg_namespace n ON c.relnamespace = n.oid
		WHERE n.nspname = $1 AND c.relname = 'memories' AND a.attname = 'embedding'`,
		s.project.SchemaName).Scan(&dims)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, queryErr("introspect schema", err)
	}
	s.dims = dims
	return dims, nil
}
