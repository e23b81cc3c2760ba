// Package store is the Postgres persistence layer: one schema per
// project (specmem_<hash>), vector columns via pgvector, and CRUD for
// memories, code files, and code definitions. Every query filters by
// project path on top of the schema isolation.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/specmem/specmem/internal/config"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/project"
)

// connectTimeout bounds one connection attempt during bootstrap.
const connectTimeout = 5 * time.Second

// Store owns the connection pool for one project's schema.
type Store struct {
	pool    *pgxpool.Pool
	project *project.Project
	logger  *slog.Logger

	// breaker guards the write path; see write.
	breaker *errors.CircuitBreaker

	// dims is the embedding dimensionality the schema was created
	// with; set by EnsureSchema.
	dims int
}

// Connect builds the pool and verifies connectivity with the bootstrap
// retry budget. Exhaustion fails with ERR_501_STORAGE_UNAVAILABLE.
func Connect(ctx context.Context, cfg config.DatabaseConfig, p *project.Project, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageUnavailable, "invalid database configuration", err)
	}

	poolSize := cfg.PoolSize
	if poolSize < 1 {
		poolSize = 3
	}
	poolCfg.MaxConns = int32(poolSize)

	// Every connection binds to the project schema before use and
	// learns the pgvector OIDs.
	searchPath := fmt.Sprintf("SET search_path TO %s, public", quoteIdent(p.SchemaName))
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, searchPath); err != nil {
			return err
		}
		// Registration fails harmlessly until EnsureSchema created the
		// extension; vector columns are not touched before that.
		_ = pgxvector.RegisterTypes(ctx, conn)
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageUnavailable, "cannot create connection pool", err)
	}

	// AfterConnect references the schema, which may not exist yet on
	// first run. Ping on a bare connection string instead.
	err = errors.Retry(ctx, errors.StorageRetryConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		conn, err := pgx.Connect(pingCtx, cfg.URL())
		if err != nil {
			return errors.New(errors.ErrCodeStorageUnavailable, "database unreachable", err).
				WithSuggestion("check that PostgreSQL is running and SPECMEM_DB_* variables are correct")
		}
		defer conn.Close(pingCtx)
		return conn.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("database connected",
		slog.String("host", cfg.Host),
		slog.String("schema", p.SchemaName),
		slog.Int("pool_size", poolSize))

	return &Store{
		pool:    pool,
		project: p,
		logger:  logger,
		breaker: errors.NewCircuitBreaker("store-writes"),
	}, nil
}

// write runs a mutation through the write-path circuit breaker. Only
// unavailability counts as a failure; query-shape errors leave the
// circuit closed. After repeated outages, calls short-circuit to
// ERR_501_STORAGE_UNAVAILABLE instead of queueing on a dead pool, and
// half-open probes let writes resume once the database is back.
func (s *Store) write(op string, fn func() error) error {
	if !s.breaker.Allow() {
		return errors.Newf(errors.ErrCodeStorageUnavailable,
			"%s: storage writes suspended after repeated failures", op)
	}
	err := fn()
	if err != nil && errors.GetCode(err) == errors.ErrCodeStorageUnavailable {
		s.breaker.RecordFailure()
	} else {
		s.breaker.RecordSuccess()
	}
	return err
}

// Pool exposes the underlying pool for callers that need raw access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Dimensions reports the schema's embedding dimensionality, 0 before
// EnsureSchema ran.
func (s *Store) Dimensions() int { return s.dims }

// Close releases all connections.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// quoteIdent quotes a SQL identifier. All schema-derived identifiers
// pass through here before interpolation.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// queryErr wraps a query failure with the storage taxonomy: dead
// connections surface as unavailability, everything else as a failed
// query.
func queryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "closed pool") {
		return errors.New(errors.ErrCodeStorageUnavailable, op+": database unavailable", err)
	}
	return errors.New(errors.ErrCodeQueryFailed, op+" failed", err)
}
