// Package api exposes the HTTP interface for the pipeline service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/metrics"
	"github.com/JakeFAU/product-3d-pipeline/internal/orchestrator"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/queue"
	"github.com/JakeFAU/product-3d-pipeline/internal/scraper"
)

const (
	enqueueTimeout = 5 * time.Second
	maxBatchURLs   = 100
)

// Registrar persists a pending product before it is queued.
type Registrar interface {
	Register(ctx context.Context, req orchestrator.Request) (pipeline.Product, error)
}

// Enqueuer hands jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Config tunes the HTTP surface.
//   - APIKey: when non-empty, /api and /ws require it via X-API-Key or
//     ?api_key=.
//   - RequestTimeout: per-request deadline for REST routes (default 60s).
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Deps are the collaborators behind the routes. Metrics, Gatherer, and
// Observers may be nil to disable their routes.
type Deps struct {
	Products  Registrar
	Queue     Enqueuer
	Store     pipeline.Store
	Tasks     TaskChecker
	Metrics   *metrics.Aggregator
	Gatherer  prometheus.Gatherer
	Observers http.Handler
	IDs       pipeline.IDGenerator
	Clock     pipeline.Clock
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the queue, store, and metrics.
type Server struct {
	router   chi.Router
	deps     Deps
	progress *ProgressHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		deps:     deps,
		progress: NewProgressHandler(deps.Store, deps.Tasks, deps.Logger),
		logger:   deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if deps.Metrics != nil {
		r.Use(metrics.Middleware(deps.Metrics))
	}

	r.Get("/healthz", s.healthz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		if deps.Observers != nil {
			r.Method(http.MethodGet, "/ws", deps.Observers)
		}
		r.Route("/api", func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Get("/health", s.health)
			r.Get("/metrics", s.snapshot)
			r.Post("/metrics/reset", s.resetMetrics)
			r.Post("/detect", s.detect)
			r.Route("/products", func(r chi.Router) {
				r.Get("/", s.progress.ListProducts)
				r.Post("/", s.submitProduct)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.progress.GetProduct)
					r.Get("/stages", s.progress.ListStages)
					r.Post("/approve", s.approveProduct)
				})
			})
			r.Get("/tasks/{id}", s.progress.GetTask)
			r.Post("/batches", s.submitBatch)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(metrics.HealthHealthy)})
		return
	}
	report := s.deps.Metrics.Health()
	status := http.StatusOK
	if report.Status == metrics.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) resetMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	s.deps.Metrics.Reset()
	s.logger.Info("metrics reset via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) detect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	writeJSON(w, http.StatusOK, scraper.Detect(req.URL))
}

func (s *Server) submitProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	product, err := s.deps.Products.Register(r.Context(), orchestrator.Request{URL: rawURL, BatchID: req.BatchID})
	if err != nil {
		s.writeFailure(w, "register product", err)
		return
	}
	job := queue.Job{
		Kind:       queue.KindProduct,
		ProductID:  product.ID,
		BatchID:    product.BatchID,
		URL:        product.URL,
		EnqueuedAt: s.now(),
	}
	if err := s.enqueue(r.Context(), job); err != nil {
		s.writeFailure(w, "enqueue product", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"product_id": product.ID,
		"status":     product.Status,
		"detection":  scraper.Detect(rawURL),
	})
}

func (s *Server) approveProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req approveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	product, err := s.deps.Store.GetProduct(r.Context(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		s.writeFailure(w, "load product", err)
		return
	}
	if product.Status != pipeline.ProductPendingApproval {
		writeError(w, http.StatusConflict, fmt.Sprintf("product is %s, not awaiting approval", product.Status))
		return
	}
	job := queue.Job{
		Kind:       queue.KindApprove,
		ProductID:  id,
		ImageIDs:   req.ImageIDs,
		EnqueuedAt: s.now(),
	}
	if err := s.enqueue(r.Context(), job); err != nil {
		s.writeFailure(w, "enqueue approval", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"product_id": id, "status": "approval_queued"})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls := cleanURLs(req.URLs)
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(urls) > maxBatchURLs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per batch", maxBatchURLs))
		return
	}
	batchID, err := s.newID()
	if err != nil {
		s.writeFailure(w, "generate batch id", err)
		return
	}
	job := queue.Job{
		Kind:       queue.KindBatch,
		BatchID:    batchID,
		URLs:       urls,
		EnqueuedAt: s.now(),
	}
	if err := s.enqueue(r.Context(), job); err != nil {
		s.writeFailure(w, "enqueue batch", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batch_id": batchID, "total": len(urls)})
}

func (s *Server) enqueue(ctx context.Context, job queue.Job) error {
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := s.deps.Queue.Enqueue(queueCtx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}
	return nil
}

func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case pipeline.IsInputFailure(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	case errors.Is(err, queue.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "service shutting down")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) newID() (string, error) {
	if s.deps.IDs == nil {
		return uuid.NewString(), nil
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("new id: %w", err)
	}
	return id, nil
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

type productRequest struct {
	URL     string `json:"url"`
	BatchID string `json:"batch_id"`
}

type approveRequest struct {
	ImageIDs []string `json:"image_ids"`
}

type batchRequest struct {
	URLs []string `json:"urls"`
}

type detectRequest struct {
	URL string `json:"url"`
}

func cleanURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
