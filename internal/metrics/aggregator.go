// Package metrics aggregates request, stage, cost, and observer metrics into
// rolling snapshots with a derived health verdict, and mirrors them into
// Prometheus collectors.
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Health is the three-tier service verdict.
type Health string

// Health verdicts.
const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// BatchErrorKind is recorded when a batch fails as a whole.
const BatchErrorKind = "BATCH_PROCESSING"

// Config controls the Aggregator.
//   - WindowSize: latency samples retained (default 1000).
//   - HealthyErrorRate / DegradedErrorRate: verdict thresholds as fractions
//     (defaults 0.10 and 0.25).
//   - MinPercentileSamples: samples required before percentiles are reported
//     (default 10).
//   - Mirror: optional Prometheus collectors updated alongside the snapshot.
type Config struct {
	WindowSize           int
	HealthyErrorRate     float64
	DegradedErrorRate    float64
	MinPercentileSamples int
	Clock                pipeline.Clock
	Mirror               *Collectors
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	cfg   Config
	mu    sync.RWMutex
	state *state
}

type state struct {
	startedAt time.Time

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	byStatus           map[int]int64
	latency            window

	productsProcessed  int64
	productsSuccessful int64
	productsFailed     int64
	batchesProcessed   int64
	batchesSuccessful  int64
	batchesFailed      int64

	stages map[string]*StageStats
	errors map[string]int64
	events map[string]int64

	wsActive        int64
	wsTotal         int64
	wsMessages      int64
	wsSubscriptions int64

	totalCost   float64
	costByStage map[string]float64
}

type window struct {
	buf  []time.Duration
	next int
	full bool
}

func (w *window) add(d time.Duration) {
	w.buf[w.next] = d
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) values() []time.Duration {
	if w.full {
		return append([]time.Duration(nil), w.buf...)
	}
	return append([]time.Duration(nil), w.buf[:w.next]...)
}

// NewAggregator constructs an empty Aggregator.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	if cfg.HealthyErrorRate <= 0 {
		cfg.HealthyErrorRate = 0.10
	}
	if cfg.DegradedErrorRate <= 0 {
		cfg.DegradedErrorRate = 0.25
	}
	if cfg.MinPercentileSamples <= 0 {
		cfg.MinPercentileSamples = 10
	}
	a := &Aggregator{cfg: cfg}
	a.state = a.newState()
	return a
}

func (a *Aggregator) newState() *state {
	return &state{
		startedAt:   a.now(),
		byStatus:    make(map[int]int64),
		latency:     window{buf: make([]time.Duration, a.cfg.WindowSize)},
		stages:      make(map[string]*StageStats),
		errors:      make(map[string]int64),
		events:      make(map[string]int64),
		costByStage: make(map[string]float64),
	}
}

// RecordRequest tracks one served HTTP request. Status codes >= 400 count as
// failures and record an HTTP_<code> error. Protocol upgrades count as
// successful but stay out of the latency window, since their elapsed time is
// the connection lifetime.
func (a *Aggregator) RecordRequest(method, path string, status int, elapsed time.Duration) {
	failed := status >= 400
	a.mu.Lock()
	s := a.state
	s.totalRequests++
	s.byStatus[status]++
	if status != http.StatusSwitchingProtocols {
		s.latency.add(elapsed)
	}
	if failed {
		s.failedRequests++
		s.errors[httpErrorKind(status)]++
	} else {
		s.successfulRequests++
	}
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.ObserveHTTPRequest(method, path, status, elapsed)
		if failed {
			m.ObserveError(httpErrorKind(status))
		}
	}
}

// RecordStage tracks one stage execution and its cost.
func (a *Aggregator) RecordStage(stage string, success bool, cost float64) {
	a.mu.Lock()
	s := a.state
	st, ok := s.stages[stage]
	if !ok {
		st = &StageStats{}
		s.stages[stage] = st
	}
	st.Runs++
	if success {
		st.Succeeded++
	} else {
		st.Failed++
		s.errors[pipeline.Stage(stage).ErrorKind()]++
	}
	if cost > 0 {
		st.Cost += cost
		s.totalCost += cost
		s.costByStage[stage] += cost
	}
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.ObserveCost(stage, cost)
		if !success {
			m.ObserveError(pipeline.Stage(stage).ErrorKind())
		}
	}
}

// RecordProduct tracks a product reaching a terminal status.
func (a *Aggregator) RecordProduct(success bool) {
	a.mu.Lock()
	s := a.state
	s.productsProcessed++
	if success {
		s.productsSuccessful++
	} else {
		s.productsFailed++
	}
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.ObserveProduct(success)
	}
}

// RecordBatch tracks a finished batch.
func (a *Aggregator) RecordBatch(success bool, products int) {
	a.mu.Lock()
	s := a.state
	s.batchesProcessed++
	if success {
		s.batchesSuccessful++
	} else {
		s.batchesFailed++
		s.errors[BatchErrorKind]++
	}
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.ObserveBatch(success, products)
		if !success {
			m.ObserveError(BatchErrorKind)
		}
	}
}

// RecordEvent counts a named occurrence.
func (a *Aggregator) RecordEvent(kind string) {
	a.mu.Lock()
	a.state.events[kind]++
	a.mu.Unlock()
}

// RecordError counts an error of the given kind.
func (a *Aggregator) RecordError(kind string) {
	a.mu.Lock()
	a.state.errors[kind]++
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.ObserveError(kind)
	}
}

// ConnectionOpened records a new observer connection.
func (a *Aggregator) ConnectionOpened() {
	a.mu.Lock()
	a.state.wsActive++
	a.state.wsTotal++
	active := a.state.wsActive
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.SetConnections(active)
	}
}

// ConnectionClosed records an observer leaving.
func (a *Aggregator) ConnectionClosed() {
	a.mu.Lock()
	if a.state.wsActive > 0 {
		a.state.wsActive--
	}
	active := a.state.wsActive
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.SetConnections(active)
	}
}

// MessagesSent counts delivered observer frames.
func (a *Aggregator) MessagesSent(n int) {
	a.mu.Lock()
	a.state.wsMessages += int64(n)
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.ObserveMessages(n)
	}
}

// SubscriptionsChanged records the current subscription total.
func (a *Aggregator) SubscriptionsChanged(total int) {
	a.mu.Lock()
	a.state.wsSubscriptions = int64(total)
	a.mu.Unlock()
	if m := a.cfg.Mirror; m != nil {
		m.SetSubscriptions(total)
	}
}

// Reset replaces all aggregates at once.
func (a *Aggregator) Reset() {
	fresh := a.newState()
	a.mu.Lock()
	// live connections outlast a reset
	fresh.wsActive = a.state.wsActive
	fresh.wsSubscriptions = a.state.wsSubscriptions
	a.state = fresh
	a.mu.Unlock()
}

// Snapshot returns a consistent copy of the aggregates.
func (a *Aggregator) Snapshot() Snapshot {
	now := a.now()
	a.mu.RLock()
	s := a.state
	snap := Snapshot{
		StartedAt: s.startedAt,
		Uptime:    now.Sub(s.startedAt),
		Requests: RequestStats{
			Total:      s.totalRequests,
			Successful: s.successfulRequests,
			Failed:     s.failedRequests,
			ByStatus:   make(map[string]int64, len(s.byStatus)),
		},
		Pipeline: PipelineStats{
			ProductsProcessed:  s.productsProcessed,
			ProductsSuccessful: s.productsSuccessful,
			ProductsFailed:     s.productsFailed,
			BatchesProcessed:   s.batchesProcessed,
			BatchesSuccessful:  s.batchesSuccessful,
			BatchesFailed:      s.batchesFailed,
		},
		Stages: make(map[string]StageStats, len(s.stages)),
		Errors: copyCounts(s.errors),
		Events: copyCounts(s.events),
		Websocket: WebsocketStats{
			ActiveConnections: s.wsActive,
			TotalConnections:  s.wsTotal,
			MessagesSent:      s.wsMessages,
			Subscriptions:     s.wsSubscriptions,
		},
		Cost: CostStats{
			Total:   s.totalCost,
			ByStage: make(map[string]float64, len(s.costByStage)),
		},
	}
	for code, n := range s.byStatus {
		snap.Requests.ByStatus[strconv.Itoa(code)] = n
	}
	for name, st := range s.stages {
		snap.Stages[name] = *st
	}
	for name, c := range s.costByStage {
		snap.Cost.ByStage[name] = c
	}
	samples := s.latency.values()
	a.mu.RUnlock()

	snap.Latency = a.latencyStats(samples)
	if snap.Requests.Total > 0 {
		snap.Requests.SuccessRate = float64(snap.Requests.Successful) / float64(snap.Requests.Total)
	}
	if minutes := snap.Uptime.Minutes(); minutes > 0 {
		snap.Requests.PerMinute = float64(snap.Requests.Total) / minutes
	}
	if snap.Pipeline.ProductsProcessed > 0 {
		snap.Cost.AveragePerProduct = snap.Cost.Total / float64(snap.Pipeline.ProductsProcessed)
	}
	snap.Health = a.health(snap.Requests)
	return snap
}

// Health derives the current verdict.
func (a *Aggregator) Health() HealthReport {
	a.mu.RLock()
	req := RequestStats{
		Total:      a.state.totalRequests,
		Successful: a.state.successfulRequests,
		Failed:     a.state.failedRequests,
	}
	a.mu.RUnlock()
	return a.health(req)
}

func (a *Aggregator) health(req RequestStats) HealthReport {
	rate := 0.0
	if req.Total > 0 {
		rate = float64(req.Failed) / float64(req.Total)
	}
	return HealthReport{
		Status:            Classify(rate, a.cfg.HealthyErrorRate, a.cfg.DegradedErrorRate),
		ErrorRate:         rate,
		TotalRequests:     req.Total,
		FailedRequests:    req.Failed,
		HealthyThreshold:  a.cfg.HealthyErrorRate,
		DegradedThreshold: a.cfg.DegradedErrorRate,
	}
}

// Classify maps an error rate onto a verdict: below healthy is healthy, below
// degraded is degraded, anything else is unhealthy.
func Classify(errorRate, healthy, degraded float64) Health {
	switch {
	case errorRate < healthy:
		return HealthHealthy
	case errorRate < degraded:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

func (a *Aggregator) latencyStats(samples []time.Duration) LatencyStats {
	out := LatencyStats{Samples: len(samples)}
	if len(samples) == 0 {
		return out
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	out.Average = sum / time.Duration(len(samples))
	if len(samples) < a.cfg.MinPercentileSamples {
		return out
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	out.P50 = percentile(samples, 0.50)
	out.P95 = percentile(samples, 0.95)
	out.P99 = percentile(samples, 0.99)
	return out
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (a *Aggregator) now() time.Time {
	if a.cfg.Clock != nil {
		return a.cfg.Clock.Now()
	}
	return time.Now()
}

func httpErrorKind(status int) string {
	return "HTTP_" + strconv.Itoa(status)
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
