package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/poller"
)

const (
	defaultProductLimit = 50
	maxProductLimit     = 500
	progressTimeout     = 3 * time.Second
)

// TaskChecker performs an on-demand vendor status check.
type TaskChecker interface {
	CheckOnce(ctx context.Context, taskID string) (pipeline.ExternalTask, error)
}

// ProgressHandler exposes read-only product, stage, and task endpoints.
type ProgressHandler struct {
	repo    pipeline.Store
	tasks   TaskChecker
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository, the task checker, and logger.
// tasks may be nil, in which case task lookups are served from the store.
func NewProgressHandler(repo pipeline.Store, tasks TaskChecker, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		tasks:   tasks,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListProducts handles GET /api/products?limit=. It returns
// {"products": [...]} newest first, 400 for an invalid limit, or 503 when
// the repository is unavailable.
func (h *ProgressHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "product repository unavailable")
		return
	}
	limit, err := parseLimit(r, defaultProductLimit, maxProductLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	products, err := h.repo.ListProducts(ctx, limit)
	if err != nil {
		h.logger.Error("list products failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if products == nil {
		products = []pipeline.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

// GetProduct handles GET /api/products/{id}.
func (h *ProgressHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "product repository unavailable")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	product, err := h.repo.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("get product failed", zap.String("product_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load product")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

// ListStages handles GET /api/products/{id}/stages. Unknown products yield
// an empty list rather than 404.
func (h *ProgressHandler) ListStages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "product repository unavailable")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stages, err := h.repo.ListStages(ctx, id)
	if err != nil {
		h.logger.Error("list stages failed", zap.String("product_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stages")
		return
	}
	if stages == nil {
		stages = []pipeline.StageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

// GetTask handles GET /api/tasks/{id}. Terminal tasks come from the store;
// anything else triggers one status check against the vendor.
func (h *ProgressHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stored, found := h.storedTask(ctx, id)
	if found && stored.State.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"task": stored})
		return
	}
	if h.tasks == nil {
		if !found {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": stored})
		return
	}

	task, err := h.tasks.CheckOnce(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"task": task})
	case errors.Is(err, poller.ErrUnknownTask) && found:
		writeJSON(w, http.StatusOK, map[string]any{"task": stored})
	case errors.Is(err, poller.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "task not found")
	case pipeline.IsInputFailure(err):
		writeError(w, http.StatusNotFound, "task not found")
	default:
		h.logger.Warn("task status check failed", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "task status unavailable")
	}
}

func (h *ProgressHandler) storedTask(ctx context.Context, id string) (pipeline.ExternalTask, bool) {
	if h.repo == nil {
		return pipeline.ExternalTask{}, false
	}
	task, err := h.repo.GetTask(ctx, id)
	if err != nil {
		if !errors.Is(err, pipeline.ErrNotFound) {
			h.logger.Warn("get task failed", zap.String("task_id", id), zap.Error(err))
		}
		return pipeline.ExternalTask{}, false
	}
	return task, true
}

func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		return "", errors.New("id is required")
	}
	return id, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
