// Package sqlite provides a single-file pipeline.Store on top of go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/store"
)

// Store persists pipeline state in SQLite. Writes are serialized through a
// single connection.
type Store struct {
	db     *sql.DB
	tables store.Tables
}

// Open opens (or creates) the database at dsn and ensures the schema.
func Open(ctx context.Context, dsn string, tables store.Tables) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	tables = tables.WithDefaults()
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, tables: tables}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	batch_id TEXT,
	status TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, s.tables.Products),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	success INTEGER NOT NULL,
	cost REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	detail TEXT,
	recorded_at TIMESTAMP NOT NULL
)`, s.tables.Stages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	product_id TEXT,
	state TEXT NOT NULL,
	payload BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, s.tables.Tasks),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
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
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET batch_id = excluded.batch_id, status = excluded.status,
	payload = excluded.payload, updated_at = excluded.updated_at`, s.tables.Products)
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.BatchID, string(p.Status), payload, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// GetProduct loads a product or returns pipeline.ErrNotFound.
func (s *Store) GetProduct(ctx context.Context, id string) (pipeline.Product, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, s.tables.Products)
	var payload []byte
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY updated_at DESC, id LIMIT ?`, s.tables.Products)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
VALUES (?, ?, ?, ?, ?, ?, ?)`, s.tables.Stages)
	_, err := s.db.ExecContext(ctx, query,
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
FROM %s WHERE product_id = ? ORDER BY id`, s.tables.Stages)
	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []pipeline.StageRecord
	for rows.Next() {
		var (
			rec    pipeline.StageRecord
			stage  string
			durMs  int64
			detail sql.NullString
		)
		if err := rows.Scan(&rec.ProductID, &stage, &rec.Success, &rec.Cost, &durMs, &detail, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan stage row: %w", err)
		}
		rec.Stage = pipeline.Stage(stage)
		rec.Duration = time.Duration(durMs) * time.Millisecond
		rec.Detail = detail.String
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
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET state = excluded.state, payload = excluded.payload, updated_at = excluded.updated_at`, s.tables.Tasks)
	if _, err := s.db.ExecContext(ctx, query, t.ID, t.ProductID, string(t.State), payload, t.UpdatedAt); err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask loads a task or returns pipeline.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (pipeline.ExternalTask, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, s.tables.Tasks)
	var payload []byte
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pipeline.ExternalTask{}, fmt.Errorf("task %s: %w", id, pipeline.ErrNotFound)
		}
		return pipeline.ExternalTask{}, fmt.Errorf("get task: %w", err)
	}
	return store.DecodeTask(payload)
}
