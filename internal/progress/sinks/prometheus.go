package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/progress"
)

// PrometheusSink exports per-stage outcome counters, stage durations, and the
// number of products currently moving through the pipeline.
type PrometheusSink struct {
	stageEvents   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageCost     *prometheus.CounterVec
	inFlight      prometheus.Gauge

	tracker *productTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		stageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_events_total",
			Help: "Stage events partitioned by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Wall time per finished stage.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 180, 600},
		}, []string{"stage"}),
		stageCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_cost_total",
			Help: "Provider cost accumulated per stage.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_products_in_flight",
			Help: "Products that have started scraping and not yet finished saving or failed.",
		}),
		tracker: newProductTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.stageEvents,
		s.stageDuration,
		s.stageCost,
		s.inFlight,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	stage := string(evt.Stage)
	s.stageEvents.WithLabelValues(stage, string(evt.Outcome)).Inc()
	if !evt.Outcome.Finished() {
		if evt.Stage == pipeline.StageScraping && s.tracker.start(evt.ProductID) {
			s.inFlight.Inc()
		}
		return
	}
	if evt.Dur > 0 {
		s.stageDuration.WithLabelValues(stage).Observe(evt.Dur.Seconds())
	}
	if evt.Cost > 0 {
		s.stageCost.WithLabelValues(stage).Add(evt.Cost)
	}
	done := evt.Outcome == progress.OutcomeFailed || evt.Stage == pipeline.StageProductSave
	if done && s.tracker.complete(evt.ProductID) {
		s.inFlight.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type productTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newProductTracker() *productTracker {
	return &productTracker{running: make(map[string]struct{})}
}

func (t *productTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *productTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
