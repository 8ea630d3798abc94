package metrics

import "time"

// Snapshot is a read-only copy of the aggregates.
type Snapshot struct {
	StartedAt time.Time             `json:"started_at"`
	Uptime    time.Duration         `json:"uptime"`
	Requests  RequestStats          `json:"requests"`
	Latency   LatencyStats          `json:"latency"`
	Pipeline  PipelineStats         `json:"pipeline"`
	Stages    map[string]StageStats `json:"stages"`
	Errors    map[string]int64      `json:"errors"`
	Events    map[string]int64      `json:"events"`
	Websocket WebsocketStats        `json:"websocket"`
	Cost      CostStats             `json:"cost"`
	Health    HealthReport          `json:"health"`
}

// RequestStats summarizes served requests.
type RequestStats struct {
	Total       int64            `json:"total"`
	Successful  int64            `json:"successful"`
	Failed      int64            `json:"failed"`
	SuccessRate float64          `json:"success_rate"`
	PerMinute   float64          `json:"per_minute"`
	ByStatus    map[string]int64 `json:"by_status,omitempty"`
}

// LatencyStats is derived from the rolling window. Percentiles stay zero
// until enough samples exist.
type LatencyStats struct {
	Samples int           `json:"samples"`
	Average time.Duration `json:"average"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// PipelineStats counts terminal product and batch outcomes.
type PipelineStats struct {
	ProductsProcessed  int64 `json:"products_processed"`
	ProductsSuccessful int64 `json:"products_successful"`
	ProductsFailed     int64 `json:"products_failed"`
	BatchesProcessed   int64 `json:"batches_processed"`
	BatchesSuccessful  int64 `json:"batches_successful"`
	BatchesFailed      int64 `json:"batches_failed"`
}

// StageStats counts executions of one stage.
type StageStats struct {
	Runs      int64   `json:"runs"`
	Succeeded int64   `json:"succeeded"`
	Failed    int64   `json:"failed"`
	Cost      float64 `json:"cost"`
}

// WebsocketStats tracks observer connections.
type WebsocketStats struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	MessagesSent      int64 `json:"messages_sent"`
	Subscriptions     int64 `json:"subscriptions"`
}

// CostStats accumulates provider cost.
type CostStats struct {
	Total             float64            `json:"total"`
	ByStage           map[string]float64 `json:"by_stage"`
	AveragePerProduct float64            `json:"average_per_product"`
}

// HealthReport explains a verdict.
type HealthReport struct {
	Status            Health  `json:"status"`
	ErrorRate         float64 `json:"error_rate"`
	TotalRequests     int64   `json:"total_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	HealthyThreshold  float64 `json:"healthy_threshold"`
	DegradedThreshold float64 `json:"degraded_threshold"`
}
