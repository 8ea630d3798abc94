package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/config"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	cfg.Blob.Provider = "memory"
	cfg.Notify.Provider = "memory"
	cfg.Meshy.TestMode = true
	cfg.Scraper.HeadlessEnabled = false
	cfg.Auth.Enabled = false
	return cfg
}

func TestBuildWiresHTTPSurface(t *testing.T) {
	cfg := testConfig(t)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/products",
		bytes.NewBufferString(`{"url":"https://www.wayfair.com/furniture/pdp/chair-w1.html"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, app.queue.Len())

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBuildUsesLocalKeyerWithoutRemovalService(t *testing.T) {
	cfg := testConfig(t)
	cfg.Removal.BaseURL = ""
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	provider, err := app.setupRemoval()
	require.NoError(t, err)
	require.Equal(t, "keyer", provider.Name())

	cfg.Removal.BaseURL = "https://removal.test"
	app.cfg = cfg
	provider, err = app.setupRemoval()
	require.NoError(t, err)
	require.Equal(t, "remove_bg", provider.Name())
}

func TestBuildWithSQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "pipeline.db")

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, app.store.SaveProduct(ctx, pipeline.Product{ID: "p1", URL: "https://x.test/p/1", Status: pipeline.ProductPending}))
	got, err := app.store.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "https://x.test/p/1", got.URL)
	require.NoError(t, app.Close(ctx))
}

func TestBuildFailsOnBadBlobProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Blob.Provider = "s3"

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.Nil(t, app)
}
