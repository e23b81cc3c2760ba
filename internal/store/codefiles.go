package store

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
)

// CodeFile is one indexed source file. The id is stable across runs
// for an unchanged relative path. Content is the text as it was at
// index time; backfill embeds from it rather than re-reading a file
// that may have changed since.
type CodeFile struct {
	ID          string
	Path        string
	AbsPath     string
	Language    string
	Content     string
	ContentHash string
	SizeBytes   int64
	LineCount   int
	Embedding   *pgvector.Vector
	IndexedAt   time.Time
}

// FileState is the stored hash-gating view of one file.
type FileState struct {
	ID           string
	ContentHash  string
	HasEmbedding bool
}

// FileHit is one vector search result over code files.
type FileHit struct {
	CodeFile
	Score float64
}

// FileStates loads the gating state for every stored file keyed by
// relative path. Phase one of an index run consults this to skip
// unchanged files.
func (s *Store) FileStates(ctx context.Context) (map[string]FileState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT path, id, content_hash, embedding IS NOT NULL
		FROM code_files WHERE project_path = $1`,
		s.project.Path)
	if err != nil {
		return nil, queryErr("load file states", err)
	}
	defer rows.Close()

	states := make(map[string]FileState)
	for rows.Next() {
		var path string
		var st FileState
		if err := rows.Scan(&path, &st.ID, &st.ContentHash, &st.HasEmbedding); err != nil {
			return nil, queryErr("scan file state", err)
		}
		states[path] = st
	}
	return states, rows.Err()
}

// ReplaceFiles persists one batch with delete-then-insert inside a
// transaction so ids stay stable and definition rows cascade out with
// their files.
func (s *Store) ReplaceFiles(ctx context.Context, files []CodeFile) error {
	if len(files) == 0 {
		return nil
	}
	return s.write("replace files", func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return queryErr("begin replace files", err)
		}
		defer tx.Rollback(ctx)

		ids := make([]string, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM code_files WHERE project_path = $1 AND id = ANY($2)`,
			s.project.Path, ids); err != nil {
			return queryErr("delete changed files", err)
		}

		for _, f := range files {
			if _, err := tx.Exec(ctx, `
				INSERT INTO code_files (id, project_path, path, abs_path, language, content, content_hash, size_bytes, line_count, embedding, indexed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
				f.ID, s.project.Path, f.Path, f.AbsPath, f.Language, f.Content, f.ContentHash, f.SizeBytes, f.LineCount, f.Embedding); err != nil {
				return queryErr("insert file", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return queryErr("commit replace files", err)
		}
		return nil
	})
}

// DeleteFilesByPath removes files the reconciler found deleted on
// disk; definitions cascade.
func (s *Store) DeleteFilesByPath(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.write("delete files", func() error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM code_files WHERE project_path = $1 AND path = ANY($2)`,
			s.project.Path, paths)
		return queryErr("delete files", err)
	})
}

// SearchFiles runs cosine k-NN over file embeddings.
func (s *Store) SearchFiles(ctx context.Context, query pgvector.Vector, k int, threshold float64) ([]FileHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, path, language, content_hash, line_count, indexed_at, 1 - (embedding <=> $1) AS similarity
		FROM code_files
		WHERE embedding IS NOT NULL AND project_path = $2
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY similarity DESC LIMIT $4`,
		query, s.project.Path, threshold, k)
	if err != nil {
		return nil, queryErr("search files", err)
	}
	defer rows.Close()

	var hits []FileHit
	for rows.Next() {
		var h FileHit
		if err := rows.Scan(&h.ID, &h.Path, &h.Language, &h.ContentHash, &h.LineCount, &h.IndexedAt, &h.Score); err != nil {
			return nil, queryErr("scan file hit", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// PendingFileEmbeddings lists files awaiting backfill with their
// stored content, so backfill embeds the indexed text.
func (s *Store) PendingFileEmbeddings(ctx context.Context, limit int) ([]CodeFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, path, abs_path, language, content, content_hash, size_bytes, line_count, indexed_at
		FROM code_files
		WHERE embedding IS NULL AND project_path = $1
		ORDER BY indexed_at ASC LIMIT $2`,
		s.project.Path, limit)
	if err != nil {
		return nil, queryErr("list pending files", err)
	}
	defer rows.Close()

	var out []CodeFile
	for rows.Next() {
		var f CodeFile
		if err := rows.Scan(&f.ID, &f.Path, &f.AbsPath, &f.Language, &f.Content, &f.ContentHash, &f.SizeBytes, &f.LineCount, &f.IndexedAt); err != nil {
			return nil, queryErr("scan pending file", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetFileEmbedding backfills one file embedding.
func (s *Store) SetFileEmbedding(ctx context.Context, id string, embedding pgvector.Vector) error {
	return s.write("set file embedding", func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE code_files SET embedding = $1, indexed_at = now()
			WHERE id = $2 AND project_path = $3`,
			embedding, id, s.project.Path)
		return queryErr("set file embedding", err)
	})
}

// IndexCounts feeds checkSync: total files, files with embeddings,
// rows awaiting embeddings across files and definitions, and the most
// recent persist time.
func (s *Store) IndexCounts(ctx context.Context) (total, indexed, pending int, lastBatch time.Time, err error) {
	var last *time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT
		  (SELECT count(*) FROM code_files WHERE project_path = $1),
		  (SELECT count(*) FROM code_files WHERE project_path = $1 AND embedding IS NOT NULL),
		  (SELECT count(*) FROM code_files WHERE project_path = $1 AND embedding IS NULL)
		  + (SELECT count(*) FROM code_definitions WHERE project_path = $1 AND embedding IS NULL),
		  (SELECT max(indexed_at) FROM code_files WHERE project_path = $1)`,
		s.project.Path).Scan(&total, &indexed, &pending, &last)
	if err != nil {
		return 0, 0, 0, time.Time{}, queryErr("index counts", err)
	}
	if last != nil {
		lastBatch = *last
	}
	return total, indexed, pending, lastBatch, nil
}
