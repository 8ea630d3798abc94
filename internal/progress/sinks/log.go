package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/progress"
)

// LogSink writes one structured line per stage event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("product_id", evt.ProductID),
			zap.String("stage", string(evt.Stage)),
			zap.String("outcome", string(evt.Outcome)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.BatchID != "" {
			fields = append(fields, zap.String("batch_id", evt.BatchID))
		}
		if evt.Cost > 0 {
			fields = append(fields, zap.Float64("cost", evt.Cost))
		}
		if evt.Items > 0 {
			fields = append(fields, zap.Int("items", evt.Items))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Outcome == progress.OutcomeFailed {
			s.logger.Warn("stage failed", fields...)
			continue
		}
		s.logger.Info("stage progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
