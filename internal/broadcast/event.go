package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Kind is the wire "type" of an outbound frame.
type Kind string

// Outbound frame kinds.
const (
	KindProductUpdate Kind = "product_update"
	KindBatchUpdate   Kind = "batch_update"
	KindError         Kind = "error"
	KindPong          Kind = "pong"
	KindSubscribed    Kind = "subscribed"
)

// Event is the closed set of messages the broadcaster delivers. Only the types
// in this package implement it.
type Event interface {
	Kind() Kind
	EntityID() string
	fields() map[string]any
}

// ProductUpdate reports progress of one product through a stage.
type ProductUpdate struct {
	ProductID    string
	Stage        pipeline.Stage
	Status       string
	Progress     int
	Message      string
	Cost         float64
	ImageCount   int
	TaskID       string
	ModelURL     string
	ThumbnailURL string
}

// Kind implements Event.
func (ProductUpdate) Kind() Kind { return KindProductUpdate }

// EntityID implements Event.
func (e ProductUpdate) EntityID() string { return e.ProductID }

func (e ProductUpdate) fields() map[string]any {
	m := map[string]any{
		"product_id": e.ProductID,
		"stage":      string(e.Stage),
		"status":     e.Status,
		"progress":   e.Progress,
	}
	setString(m, "message", e.Message)
	setString(m, "task_id", e.TaskID)
	setString(m, "model_url", e.ModelURL)
	setString(m, "thumbnail_url", e.ThumbnailURL)
	if e.Cost > 0 {
		m["cost"] = e.Cost
	}
	if e.ImageCount > 0 {
		m["image_count"] = e.ImageCount
	}
	return m
}

// BatchUpdate reports aggregate progress of a batch.
type BatchUpdate struct {
	BatchID    string
	Status     string
	Total      int
	Processed  int
	Successful int
	Failed     int
}

// Kind implements Event.
func (BatchUpdate) Kind() Kind { return KindBatchUpdate }

// EntityID implements Event.
func (e BatchUpdate) EntityID() string { return e.BatchID }

func (e BatchUpdate) fields() map[string]any {
	progress := 0
	if e.Total > 0 {
		progress = e.Processed * 100 / e.Total
	}
	return map[string]any{
		"batch_id":   e.BatchID,
		"status":     e.Status,
		"progress":   progress,
		"total":      e.Total,
		"processed":  e.Processed,
		"successful": e.Successful,
		"failed":     e.Failed,
	}
}

// ErrorEvent reports a failure, either for an entity or for a malformed
// control frame (empty ProductID).
type ErrorEvent struct {
	ProductID  string
	Stage      pipeline.Stage
	Error      string
	RetryCount int
}

// Kind implements Event.
func (ErrorEvent) Kind() Kind { return KindError }

// EntityID implements Event.
func (e ErrorEvent) EntityID() string { return e.ProductID }

func (e ErrorEvent) fields() map[string]any {
	m := map[string]any{
		"error":       e.Error,
		"retry_count": e.RetryCount,
	}
	setString(m, "product_id", e.ProductID)
	setString(m, "stage", string(e.Stage))
	return m
}

// Pong answers a ping control frame.
type Pong struct{}

// Kind implements Event.
func (Pong) Kind() Kind { return KindPong }

// EntityID implements Event.
func (Pong) EntityID() string { return "" }

func (Pong) fields() map[string]any { return map[string]any{} }

// Subscribed acknowledges a subscribe control frame.
type Subscribed struct {
	Entity EntityType
	ID     string
}

// Kind implements Event.
func (Subscribed) Kind() Kind { return KindSubscribed }

// EntityID implements Event.
func (e Subscribed) EntityID() string { return e.ID }

func (e Subscribed) fields() map[string]any {
	return map[string]any{"entity": string(e.Entity), "id": e.ID}
}

// Encode renders evt as the JSON text frame sent to observers.
func Encode(evt Event, ts time.Time) ([]byte, error) {
	if evt == nil {
		return nil, fmt.Errorf("encode event: nil event")
	}
	m := evt.fields()
	m["type"] = string(evt.Kind())
	m["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", evt.Kind(), err)
	}
	return data, nil
}

func setString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
