package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Outcome is what happened to a product at a stage.
type Outcome string

// Supported outcomes.
const (
	OutcomeStarted   Outcome = "STARTED"
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeSkipped   Outcome = "SKIPPED"
)

// Finished reports whether the outcome closes the stage.
func (o Outcome) Finished() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeSkipped
}

// Event is one stage milestone for one product.
type Event struct {
	// ProductID is the product the stage ran for.
	ProductID string
	// BatchID is set when the product runs as part of a batch.
	BatchID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage is the pipeline step.
	Stage pipeline.Stage
	// Outcome marks start or completion of the stage.
	Outcome Outcome
	// Cost is the provider cost attributed to the stage.
	Cost float64
	// Items counts units handled (images, models).
	Items int
	// Dur is the stage wall time for finished outcomes.
	Dur time.Duration
	// Note carries low-volume context such as the error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ProductID == "" {
		return errors.New("product id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.Stage.Valid() {
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	switch e.Outcome {
	case OutcomeStarted, OutcomeSucceeded, OutcomeSkipped:
	case OutcomeFailed:
		if e.Note == "" {
			return errors.New("failed outcome requires a note")
		}
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Cost < 0 {
		return errors.New("cost must be >= 0")
	}
	return nil
}

// StageRecord converts a finished event into its durable form.
func (e Event) StageRecord() pipeline.StageRecord {
	return pipeline.StageRecord{
		ProductID:  e.ProductID,
		Stage:      e.Stage,
		Success:    e.Outcome != OutcomeFailed,
		Cost:       e.Cost,
		Duration:   e.Dur,
		Detail:     e.Note,
		RecordedAt: e.TS,
	}
}
