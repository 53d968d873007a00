// Package postgres persists the latest gazette batch in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Frunin/diario-oficial/internal/gazette"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// BatchStore keeps a single row holding the latest batch.
type BatchStore struct {
	pool  pool
	table string
}

// New connects to Postgres and makes sure the table exists.
func New(ctx context.Context, cfg Config) (*BatchStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*BatchStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "gazette_latest_batch"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &BatchStore{pool: p, table: table}, nil
}

// EnsureSchema creates the table when missing.
func (s *BatchStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	slot SMALLINT PRIMARY KEY CHECK (slot = 1),
	check_id TEXT NOT NULL,
	checked_at TIMESTAMPTZ NOT NULL,
	records JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create batch table: %w", err)
	}
	return nil
}

// SaveBatch replaces the stored batch.
func (s *BatchStore) SaveBatch(ctx context.Context, batch gazette.Batch) error {
	records := batch.Records
	if records == nil {
		records = []gazette.Record{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (slot, check_id, checked_at, records)
VALUES (1, $1, $2, $3)
ON CONFLICT (slot) DO UPDATE
SET check_id = EXCLUDED.check_id, checked_at = EXCLUDED.checked_at, records = EXCLUDED.records`, s.table)
	if _, err := s.pool.Exec(ctx, query, batch.CheckID, batch.CheckedAt, payload); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

// LatestBatch loads the stored batch or returns gazette.ErrNotFound.
func (s *BatchStore) LatestBatch(ctx context.Context) (gazette.Batch, error) {
	query := fmt.Sprintf(`SELECT check_id, checked_at, records FROM %s WHERE slot = 1`, s.table)
	var (
		batch   gazette.Batch
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query).Scan(&batch.CheckID, &batch.CheckedAt, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return gazette.Batch{}, gazette.ErrNotFound
	}
	if err != nil {
		return gazette.Batch{}, fmt.Errorf("select batch: %w", err)
	}
	if err := json.Unmarshal(payload, &batch.Records); err != nil {
		return gazette.Batch{}, fmt.Errorf("decode records: %w", err)
	}
	return batch, nil
}

// Ping reports whether the database is reachable.
func (s *BatchStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *BatchStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
