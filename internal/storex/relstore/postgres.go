// Package relstore adapts a Postgres connection pool (via jackc/pgx/v5)
// to the storex.RelationalStore contract. It backs the session checkpoint
// job runner's durable queue and any auxiliary telemetry tables.
package relstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/storex"
)

// PGStore implements storex.RelationalStore over a pgxpool.Pool.
type PGStore struct {
	mu          sync.RWMutex
	pool        *pgxpool.Pool
	dsn         string
	initialized bool
}

// New creates a PGStore bound to dsn; the pool is opened lazily by
// Initialize so construction never blocks on network I/O.
func New(dsn string) *PGStore {
	return &PGStore{dsn: dsn}
}

func (s *PGStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return merrors.Wrap(err, merrors.KindStoreUnavailable, "failed to create relational pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return merrors.Wrap(err, merrors.KindStoreUnavailable, "failed to ping relational store")
	}
	s.pool = pool
	s.initialized = true

	if err := s.setupSchemaLocked(ctx); err != nil {
		return err
	}
	logging.Get(logging.CategoryStore).Info("relational store initialized")
	return nil
}

func (s *PGStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *PGStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PGStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return merrors.StoreUnavailable(fmt.Errorf("no connection"), "relational")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return merrors.StoreUnavailable(err, "relational")
	}
	return nil
}

func (s *PGStore) setupSchemaLocked(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS session_checkpoint_jobs (
			job_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			queued_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoint_jobs_status_queued
			ON session_checkpoint_jobs (status, queued_at);
	`)
	if err != nil {
		return merrors.Wrap(err, merrors.KindStoreUnavailable, "failed to apply relational schema")
	}
	return nil
}

func (s *PGStore) SetupSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupSchemaLocked(ctx)
}

func scanPgxRows(rows pgx.Rows) ([]storex.Row, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []storex.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(storex.Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PGStore) Query(ctx context.Context, sql string, params []interface{}, opts storex.QueryOptions) ([]storex.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "relational")
	}
	return scanPgxRows(rows)
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Query(ctx context.Context, sql string, params []interface{}) ([]storex.Row, error) {
	rows, err := t.tx.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return scanPgxRows(rows)
}

func (s *PGStore) Transaction(ctx context.Context, fn func(tx storex.RelationalTx) error, opts storex.QueryOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	txOpts := pgx.TxOptions{}
	switch opts.IsolationLevel {
	case "serializable":
		txOpts.IsoLevel = pgx.Serializable
	case "repeatable_read":
		txOpts.IsoLevel = pgx.RepeatableRead
	}

	tx, err := s.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return merrors.StoreUnavailable(err, "relational")
	}
	if err := fn(&pgxTx{tx: tx}); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return merrors.StoreUnavailable(err, "relational")
	}
	return nil
}

func (s *PGStore) BulkQuery(ctx context.Context, statements []storex.BulkStatement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &pgx.Batch{}
	for _, stmt := range statements {
		batch.Queue(stmt.SQL, stmt.Params...)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range statements {
		if _, err := br.Exec(); err != nil {
			return merrors.StoreUnavailable(err, "relational")
		}
	}
	return nil
}
