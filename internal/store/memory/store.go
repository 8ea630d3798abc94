// Package memory provides an in-process pipeline.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Store keeps products, stage records, and tasks in maps guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	products map[string]pipeline.Product
	stages   map[string][]pipeline.StageRecord
	tasks    map[string]pipeline.ExternalTask
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		products: make(map[string]pipeline.Product),
		stages:   make(map[string][]pipeline.StageRecord),
		tasks:    make(map[string]pipeline.ExternalTask),
	}
}

// SaveProduct inserts or replaces a product.
func (s *Store) SaveProduct(_ context.Context, p pipeline.Product) error {
	if p.ID == "" {
		return fmt.Errorf("product id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = cloneProduct(p)
	return nil
}

// GetProduct fetches a product by ID.
func (s *Store) GetProduct(_ context.Context, id string) (pipeline.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return pipeline.Product{}, fmt.Errorf("product %s: %w", id, pipeline.ErrNotFound)
	}
	return cloneProduct(p), nil
}

// ListProducts returns the most recently updated products first.
func (s *Store) ListProducts(_ context.Context, limit int) ([]pipeline.Product, error) {
	s.mu.RLock()
	out := make([]pipeline.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, cloneProduct(p))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordStage appends a stage record.
func (s *Store) RecordStage(_ context.Context, rec pipeline.StageRecord) error {
	if rec.ProductID == "" {
		return fmt.Errorf("stage record product id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[rec.ProductID] = append(s.stages[rec.ProductID], rec)
	return nil
}

// ListStages returns stage records for a product in insertion order.
func (s *Store) ListStages(_ context.Context, productID string) ([]pipeline.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.stages[productID]
	out := make([]pipeline.StageRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// SaveTask inserts or replaces a task.
func (s *Store) SaveTask(_ context.Context, t pipeline.ExternalTask) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(_ context.Context, id string) (pipeline.ExternalTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return pipeline.ExternalTask{}, fmt.Errorf("task %s: %w", id, pipeline.ErrNotFound)
	}
	return t, nil
}

func cloneProduct(p pipeline.Product) pipeline.Product {
	p.Images = append([]pipeline.Image(nil), p.Images...)
	return p
}
