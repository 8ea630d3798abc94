package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the Prometheus series mirrored from the aggregator and
// the scraper.
type Collectors struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	pipelineErrorsTotal        *prometheus.CounterVec
	pipelineCostTotal          *prometheus.CounterVec
	pipelineProductsTotal      *prometheus.CounterVec
	pipelineBatchesTotal       *prometheus.CounterVec
	pipelineBatchProducts      prometheus.Histogram
	websocketConnections       prometheus.Gauge
	websocketSubscriptions     prometheus.Gauge
	websocketMessagesTotal     prometheus.Counter
	scrapesTotal               *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
}

// NewCollectors registers the pipeline collectors on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		pipelineErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_errors_total",
				Help: "Errors recorded by kind (HTTP_<code>, PIPELINE_<stage>, BATCH_PROCESSING).",
			},
			[]string{"kind"},
		),
		pipelineCostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_cost_total",
				Help: "Accumulated provider cost in USD, labeled by stage.",
			},
			[]string{"stage"},
		),
		pipelineProductsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_products_total",
				Help: "Products reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		),
		pipelineBatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_batches_total",
				Help: "Batches processed, labeled by status.",
			},
			[]string{"status"},
		),
		pipelineBatchProducts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_batch_products",
				Help:    "Number of products per processed batch.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		),
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_connections",
				Help: "Currently connected observers.",
			},
		),
		websocketSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_subscriptions",
				Help: "Current entity subscriptions across all observers.",
			},
		),
		websocketMessagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "websocket_messages_sent_total",
				Help: "Frames delivered to observers.",
			},
		),
		scrapesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_requests_total",
				Help: "Product page fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		),
		activeWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_workers",
				Help: "Number of workers currently processing a product.",
			},
		),
		rateLimitDelaysSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of per-host politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		),
	}
}

// Handler exposes the series gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveHTTPRequest records a served request.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveError increments the error counter for kind.
func (c *Collectors) ObserveError(kind string) {
	if c == nil {
		return
	}
	c.pipelineErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveCost adds stage cost.
func (c *Collectors) ObserveCost(stage string, cost float64) {
	if c == nil || cost <= 0 {
		return
	}
	c.pipelineCostTotal.WithLabelValues(stage).Add(cost)
}

// ObserveProduct counts a terminal product.
func (c *Collectors) ObserveProduct(success bool) {
	if c == nil {
		return
	}
	c.pipelineProductsTotal.WithLabelValues(outcome(success)).Inc()
}

// ObserveBatch counts a finished batch.
func (c *Collectors) ObserveBatch(success bool, products int) {
	if c == nil {
		return
	}
	c.pipelineBatchesTotal.WithLabelValues(outcome(success)).Inc()
	c.pipelineBatchProducts.Observe(float64(products))
}

// SetConnections sets the live observer gauge.
func (c *Collectors) SetConnections(n int64) {
	if c == nil {
		return
	}
	c.websocketConnections.Set(float64(n))
}

// SetSubscriptions sets the subscription gauge.
func (c *Collectors) SetSubscriptions(n int) {
	if c == nil {
		return
	}
	c.websocketSubscriptions.Set(float64(n))
}

// ObserveMessages counts delivered frames.
func (c *Collectors) ObserveMessages(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.websocketMessagesTotal.Add(float64(n))
}

// ObserveScrape counts a product page fetch.
func (c *Collectors) ObserveScrape(site string, result string) {
	if c == nil {
		return
	}
	c.scrapesTotal.WithLabelValues(SanitizeSite(site), result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func (c *Collectors) IncActiveWorkers() {
	if c == nil {
		return
	}
	c.activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func (c *Collectors) DecActiveWorkers() {
	if c == nil {
		return
	}
	c.activeWorkers.Dec()
}

// ObserveRateLimitDelay records a politeness wait.
func (c *Collectors) ObserveRateLimitDelay(site string, d time.Duration) {
	if c == nil {
		return
	}
	c.rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
