// Package postgres provides a pgx-backed pipeline.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Tables          store.Tables
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists products as JSONB documents alongside queryable columns.
type Store struct {
	pool   pool
	tables store.Tables
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	tables := cfg.Tables.WithDefaults()
	if err := tables.Validate(); err != nil {
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, tables: tables}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, tables store.Tables) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables = tables.WithDefaults()
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	return &Store{pool: p, tables: tables}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	batch_id TEXT,
	status TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.tables.Products),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	product_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	detail TEXT,
	recorded_at TIMESTAMPTZ NOT NULL
)`, s.tables.Stages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	product_id TEXT,
	state TEXT NOT NULL,
	payload JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.tables.Tasks),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveProduct upserts a product row.
func (s *Store) SaveProduct(ctx context.Context, p pipeline.Product) error {
	if p.ID == "" {
		return fmt.Errorf("product id is required")
	}
	payload, err := store.EncodeProduct(p)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, batch_id, status, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET batch_id = EXCLUDED.batch_id, status = EXCLUDED.status,
	payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, s.tables.Products)
	if _, err := s.pool.Exec(ctx, query, p.ID, p.BatchID, string(p.Status), payload, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// GetProduct loads a product or returns pipeline.ErrNotFound.
func (s *Store) GetProduct(ctx context.Context, id string) (pipeline.Product, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, s.tables.Products)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Product{}, fmt.Errorf("product %s: %w", id, pipeline.ErrNotFound)
		}
		return pipeline.Product{}, fmt.Errorf("get product: %w", err)
	}
	return store.DecodeProduct(payload)
}

// ListProducts returns products ordered by most recent update.
func (s *Store) ListProducts(ctx context.Context, limit int) ([]pipeline.Product, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY updated_at DESC LIMIT $1`, s.tables.Products)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Product
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		p, err := store.DecodeProduct(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return out, nil
}

// RecordStage appends a stage outcome.
func (s *Store) RecordStage(ctx context.Context, rec pipeline.StageRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (product_id, stage, success, cost, duration_ms, detail, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.tables.Stages)
	_, err := s.pool.Exec(ctx, query,
		rec.ProductID,
		string(rec.Stage),
		rec.Success,
		rec.Cost,
		rec.Duration.Milliseconds(),
		rec.Detail,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stage record: %w", err)
	}
	return nil
}

// ListStages returns stage records for a product oldest first.
func (s *Store) ListStages(ctx context.Context, productID string) ([]pipeline.StageRecord, error) {
	query := fmt.Sprintf(`
SELECT product_id, stage, success, cost, duration_ms, detail, recorded_at
FROM %s WHERE product_id = $1 ORDER BY id`, s.tables.Stages)
	rows, err := s.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var out []pipeline.StageRecord
	for rows.Next() {
		var (
			rec    pipeline.StageRecord
			stage  string
			durMs  int64
			detail *string
		)
		if err := rows.Scan(&rec.ProductID, &stage, &rec.Success, &rec.Cost, &durMs, &detail, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan stage row: %w", err)
		}
		rec.Stage = pipeline.Stage(stage)
		rec.Duration = time.Duration(durMs) * time.Millisecond
		if detail != nil {
			rec.Detail = *detail
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage rows: %w", err)
	}
	return out, nil
}

// SaveTask upserts an external task row.
func (s *Store) SaveTask(ctx context.Context, t pipeline.ExternalTask) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	payload, err := store.EncodeTask(t)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, product_id, state, payload, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET state = EXCLUDED.state, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, s.tables.Tasks)
	if _, err := s.pool.Exec(ctx, query, t.ID, t.ProductID, string(t.State), payload, t.UpdatedAt); err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask loads a task or returns pipeline.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (pipeline.ExternalTask, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, s.tables.Tasks)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.ExternalTask{}, fmt.Errorf("task %s: %w", id, pipeline.ErrNotFound)
		}
		return pipeline.ExternalTask{}, fmt.Errorf("get task: %w", err)
	}
	return store.DecodeTask(payload)
}
