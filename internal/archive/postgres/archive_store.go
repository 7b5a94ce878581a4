// Package postgres persists terminal crawl jobs evicted by the retention
// sweep, so job history survives after the coordination store is pruned.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webrecorder/crawlmanager/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ArchiveStoreConfig controls the Postgres connection pool.
type ArchiveStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ArchiveStore writes archived job rows into Postgres.
type ArchiveStore struct {
	pool  execCloser
	table string
}

// NewArchiveStore creates a Postgres-backed ArchiveStore using the provided config.
func NewArchiveStore(ctx context.Context, cfg ArchiveStoreConfig) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "crawl_archive"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &ArchiveStore{pool: pool, table: table}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// newWithExecutor wires a store around an arbitrary executor (tests).
func newWithExecutor(pool execCloser, table string) *ArchiveStore {
	return &ArchiveStore{pool: pool, table: table}
}

func (s *ArchiveStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		job_id TEXT PRIMARY KEY,
		pool TEXT NOT NULL,
		state TEXT NOT NULL,
		retries INT NOT NULL,
		last_error TEXT,
		submitted_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		deadline TIMESTAMPTZ NOT NULL,
		target JSONB NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

// ArchiveJob upserts one terminal job row. Re-archiving the same job id
// overwrites the previous row, keeping the retention sweep idempotent.
func (s *ArchiveStore) ArchiveJob(ctx context.Context, job crawl.CrawlJob) error {
	target, err := json.Marshal(job.Target)
	if err != nil {
		return fmt.Errorf("marshal target spec: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(job_id, pool, state, retries, last_error, submitted_at, finished_at, deadline, target)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			retries = EXCLUDED.retries,
			last_error = EXCLUDED.last_error,
			finished_at = EXCLUDED.finished_at`, s.table)
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.Pool,
		string(job.State),
		job.Retries,
		job.LastError,
		job.Submitted,
		job.Finished,
		job.Deadline,
		target,
	)
	if err != nil {
		return fmt.Errorf("insert archived job %s: %w", job.ID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *ArchiveStore) Close() {
	s.pool.Close()
}
