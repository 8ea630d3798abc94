package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/progress"
)

// StageRecorder is the slice of pipeline.Store the sink needs.
type StageRecorder interface {
	RecordStage(ctx context.Context, rec pipeline.StageRecord) error
}

// StoreSink persists finished stage events as stage records.
type StoreSink struct {
	repo   StageRecorder
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo StageRecorder, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes every finished event. STARTED events are not persisted.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	written := 0
	for _, evt := range batch {
		if !evt.Outcome.Finished() {
			continue
		}
		if err := s.repo.RecordStage(ctx, evt.StageRecord()); err != nil {
			return fmt.Errorf("record stage %s for %s: %w", evt.Stage, evt.ProductID, err)
		}
		written++
	}
	if written > 0 {
		s.logger.Debug("stage records persisted", zap.Int("count", written))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
