// Package postgres stores crawl records in a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

// DefaultTable receives records when no table is configured.
const DefaultTable = "crawl_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
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

// RecordStore writes one row per emitted record. It implements crawler.RecordSink.
type RecordStore struct {
	pool  execCloser
	table string
	runID uuid.UUID
	now   func() time.Time
}

// NewRecordStore connects to Postgres and creates the table if needed.
func NewRecordStore(ctx context.Context, cfg Config, runID uuid.UUID) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("output.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	store := &RecordStore{pool: pool, table: table, runID: runID, now: time.Now}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool execCloser, table string, runID uuid.UUID) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name, runID: runID, now: time.Now}, nil
}

// EnsureSchema creates the record table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          uuid PRIMARY KEY,
	run_id      uuid NOT NULL,
	record_type text NOT NULL,
	url         text NOT NULL,
	status_code integer,
	payload     jsonb NOT NULL,
	emitted_at  timestamptz NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Write inserts record as a new row.
func (s *RecordStore) Write(ctx context.Context, record crawler.Record) error {
	if s == nil || s.pool == nil {
		return errors.New("record store is not configured")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid7: %w", err)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var status *int
	if api, ok := record.(crawler.APIRecord); ok {
		code := api.StatusCode
		status = &code
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	record_type,
	url,
	status_code,
	payload,
	emitted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, s.table)
	args := []any{
		id.String(),
		s.runID.String(),
		string(record.Kind()),
		record.Location(),
		status,
		payload,
		s.now().UTC(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	s.pool = nil
	return nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}
