package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/specmem/specmem/internal/errors"
)

// Store persists drained aggregates into a local SQLite file.
type Store struct {
	db       *sql.DB
	recorder *Recorder
	logger   *slog.Logger
}

// DefaultFlushInterval is how often Run persists aggregates.
const DefaultFlushInterval = time.Minute

// Open creates or opens the telemetry database at path.
func Open(path string, recorder *Recorder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageUnavailable, "open telemetry db", err)
	}
	// One writer; telemetry never needs more.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, recorder: recorder, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_kind_stats (
		date TEXT NOT NULL,
		kind TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, kind)
	);

	CREATE TABLE IF NOT EXISTS query_latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);

	CREATE TABLE IF NOT EXISTS degraded_reads (
		date TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS zero_result_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		query TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS embed_stats (
		date TEXT NOT NULL,
		key TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		heartbeats INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, key)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return errors.New(errors.ErrCodeStorageUnavailable, "create telemetry schema", err)
	}
	return nil
}

// Flush persists and clears the recorder's aggregates.
func (s *Store) Flush(ctx context.Context) error {
	snap := s.recorder.drain()
	if snap.empty() {
		return nil
	}
	date := time.Now().Format("2006-01-02")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.ErrCodeStorageUnavailable, "begin telemetry flush", err)
	}
	defer func() { _ = tx.Rollback() }()

	for kind, n := range snap.queryKinds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO query_kind_stats (date, kind, count) VALUES (?, ?, ?)
			ON CONFLICT(date, kind) DO UPDATE SET count = count + excluded.count`,
			date, kind, n); err != nil {
			return errors.New(errors.ErrCodeQueryFailed, "flush query kinds", err)
		}
	}
	for bucket, n := range snap.latency {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO query_latency_stats (date, bucket, count) VALUES (?, ?, ?)
			ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count`,
			date, string(bucket), n); err != nil {
			return errors.New(errors.ErrCodeQueryFailed, "flush latency buckets", err)
		}
	}
	if snap.degraded > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO degraded_reads (date, count) VALUES (?, ?)
			ON CONFLICT(date) DO UPDATE SET count = count + excluded.count`,
			date, snap.degraded); err != nil {
			return errors.New(errors.ErrCodeQueryFailed, "flush degraded reads", err)
		}
	}
	for _, e := range snap.zeroResults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO zero_result_queries (kind, query, timestamp) VALUES (?, ?, ?)`,
			e.Kind, e.Query, e.Timestamp.UTC().Format(time.RFC3339)); err != nil {
			return errors.New(errors.ErrCodeQueryFailed, "flush zero-result queries", err)
		}
	}
	// Keep only the newest zero-result rows.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM zero_result_queries WHERE id NOT IN (
			SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)`,
		zeroResultCapacity); err != nil {
		return errors.New(errors.ErrCodeQueryFailed, "trim zero-result queries", err)
	}
	for key, n := range snap.embedCounts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO embed_stats (date, key, count, heartbeats) VALUES (?, ?, ?, 0)
			ON CONFLICT(date, key) DO UPDATE SET count = count + excluded.count`,
			date, key, n); err != nil {
			return errors.New(errors.ErrCodeQueryFailed, "flush embed counts", err)
		}
	}
	for kind, hb := range snap.heartbeats {
		if hb == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO embed_stats (date, key, count, heartbeats) VALUES (?, ?, 0, ?)
			ON CONFLICT(date, key) DO UPDATE SET heartbeats = heartbeats + excluded.heartbeats`,
			date, kind+"/heartbeats", hb); err != nil {
			return errors.New(errors.ErrCodeQueryFailed, "flush heartbeat counts", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.New(errors.ErrCodeQueryFailed, "commit telemetry flush", err)
	}
	return nil
}

// Run flushes on a steady interval until ctx is cancelled, then takes
// one final pass.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Debug("final telemetry flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Debug("telemetry flush failed", "error", err)
			}
		}
	}
}

// ZeroResultQueries returns the retained zero-result queries, newest
// first. Diagnostic surface for the doctor command.
func (s *Store) ZeroResultQueries(ctx context.Context, limit int) ([]QueryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, query, timestamp FROM zero_result_queries
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.New(errors.ErrCodeQueryFailed, "list zero-result queries", err)
	}
	defer rows.Close()

	var out []QueryEvent
	for rows.Next() {
		var e QueryEvent
		var ts string
		if err := rows.Scan(&e.Kind, &e.Query, &ts); err != nil {
			return nil, errors.New(errors.ErrCodeQueryFailed, "scan zero-result query", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes nothing; call Flush first if needed.
func (s *Store) Close() error {
	return s.db.Close()
}
