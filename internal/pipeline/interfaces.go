package pipeline

import (
	"context"
	"io"
	"time"
)

// Provider processes a single unit of work (background removal, generation).
type Provider interface {
	Name() string
	Process(ctx context.Context, in Input) (Output, error)
}

// Skipper is implemented by providers with a cheap pre-condition that makes a
// unit already complete. A true result short-circuits Process.
type Skipper interface {
	Skip(ctx context.Context, in Input) bool
}

// TaskCreator submits images to an external generation backend.
type TaskCreator interface {
	CreateTask(ctx context.Context, imageURLs []string) (string, error)
}

// StatusSource reports the raw vendor status of a long-running task.
type StatusSource interface {
	GetStatus(ctx context.Context, taskID string) (VendorStatus, error)
}

// Scraper acquires product data from a retailer URL.
type Scraper interface {
	Scrape(ctx context.Context, url string) (ProductData, error)
}

// Store persists products, stage outcomes, and external tasks.
type Store interface {
	SaveProduct(ctx context.Context, product Product) error
	GetProduct(ctx context.Context, id string) (Product, error)
	ListProducts(ctx context.Context, limit int) ([]Product, error)
	RecordStage(ctx context.Context, record StageRecord) error
	ListStages(ctx context.Context, productID string) ([]StageRecord, error)
	SaveTask(ctx context.Context, task ExternalTask) error
	GetTask(ctx context.Context, id string) (ExternalTask, error)
}

// BlobStore writes artifacts (cutouts, models) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Notifier announces terminal product outcomes.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
