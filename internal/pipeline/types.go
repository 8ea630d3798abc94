package pipeline

import (
	"strings"
	"time"
)

// Stage names one step of the product pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageScraping          Stage = "scraping"
	StageImageSelection    Stage = "image_selection"
	StageBackgroundRemoval Stage = "background_removal"
	StageImageApproval     Stage = "image_approval"
	StageModelGeneration   Stage = "model_generation"
	StageModelOptimization Stage = "model_optimization"
	StageProductSave       Stage = "product_save"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageScraping,
	StageImageSelection,
	StageBackgroundRemoval,
	StageImageApproval,
	StageModelGeneration,
	StageModelOptimization,
	StageProductSave,
}

// ErrorKind returns the metrics error bucket used when the stage fails.
func (s Stage) ErrorKind() string {
	return "PIPELINE_" + strings.ToUpper(string(s))
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

// ProductStatus tracks where a product sits in the pipeline.
type ProductStatus string

// Product statuses.
const (
	ProductPending         ProductStatus = "pending"
	ProductProcessing      ProductStatus = "processing"
	ProductPendingApproval ProductStatus = "pending_approval"
	ProductCompleted       ProductStatus = "completed"
	ProductFailed          ProductStatus = "failed"
)

// Terminal reports whether no further processing is expected.
func (s ProductStatus) Terminal() bool {
	return s == ProductCompleted || s == ProductFailed
}

// Dimensions are physical product measurements in inches.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
}

// ProductData is the raw output of the acquisition stage.
type ProductData struct {
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	Brand      string     `json:"brand"`
	Retailer   string     `json:"retailer"`
	Category   string     `json:"category"`
	Price      float64    `json:"price"`
	Dimensions Dimensions `json:"dimensions"`
	Images     []string   `json:"images"`
	Mock       bool       `json:"mock"`
}

// Image is one product image and its processed cutout.
type Image struct {
	ID           string `json:"id"`
	SourceURL    string `json:"source_url"`
	ProcessedURL string `json:"processed_url,omitempty"`
	Primary      bool   `json:"primary"`
	Approved     bool   `json:"approved"`
	Provider     string `json:"provider,omitempty"`
}

// Product is the persisted record tracked through the pipeline.
type Product struct {
	ID           string        `json:"id"`
	BatchID      string        `json:"batch_id,omitempty"`
	URL          string        `json:"url"`
	Name         string        `json:"name"`
	Brand        string        `json:"brand"`
	Retailer     string        `json:"retailer"`
	Category     string        `json:"category"`
	Price        float64       `json:"price"`
	Dimensions   Dimensions    `json:"dimensions"`
	Status       ProductStatus `json:"status"`
	Images       []Image       `json:"images"`
	TaskID       string        `json:"task_id,omitempty"`
	ModelURL     string        `json:"model_url,omitempty"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty"`
	Cost         float64       `json:"cost"`
	Error        string        `json:"error,omitempty"`
	Mock         bool          `json:"mock"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ApprovedImages returns the images flagged as approved, preserving order.
func (p Product) ApprovedImages() []Image {
	out := make([]Image, 0, len(p.Images))
	for _, img := range p.Images {
		if img.Approved {
			out = append(out, img)
		}
	}
	return out
}

// StageRecord is the durable outcome of one stage for one product.
type StageRecord struct {
	ProductID  string        `json:"product_id"`
	Stage      Stage         `json:"stage"`
	Success    bool          `json:"success"`
	Cost       float64       `json:"cost"`
	Duration   time.Duration `json:"duration"`
	Detail     string        `json:"detail,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Input is the reference handed to a Provider for one unit of work.
type Input struct {
	ID          string
	URL         string
	ContentType string
	Body        []byte
}

// Output is what a Provider produced for one unit.
type Output struct {
	URL         string
	ContentType string
	Body        []byte
	Cost        float64
}

// UnitJob is one independently failable item inside a batch.
type UnitJob struct {
	Index int
	Input Input
}

// JobResult captures the outcome of one UnitJob.
type JobResult struct {
	Index      int
	Success    bool
	Skipped    bool
	Output     Output
	Err        error
	Detail     string
	Cost       float64
	Elapsed    time.Duration
	ProviderID string
}

// TaskState is the canonical lifecycle of an external generation task.
type TaskState string

// Canonical task states.
const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the state absorbs all further observations.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// ExternalTask is the canonical record of one vendor task.
type ExternalTask struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id,omitempty"`
	State        TaskState `json:"state"`
	Progress     int       `json:"progress"`
	VendorStatus string    `json:"vendor_status,omitempty"`
	ModelURL     string    `json:"model_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Error        string    `json:"error,omitempty"`
	Cost         float64   `json:"cost"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VendorStatus is the raw payload returned by a task status source.
type VendorStatus struct {
	TaskID       string
	Status       string
	Progress     int
	ModelURL     string
	ThumbnailURL string
	Error        string
}

// Notification is published when a product reaches a terminal status.
type Notification struct {
	ProductID string        `json:"product_id"`
	BatchID   string        `json:"batch_id,omitempty"`
	Status    ProductStatus `json:"status"`
	ModelURL  string        `json:"model_url,omitempty"`
	Cost      float64       `json:"cost"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
