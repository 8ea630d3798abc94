// Package removal implements the background removal providers: an HTTP
// client for a remove-background service and a local keyer used when no
// service is configured.
package removal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/providers"
)

const (
	// ProviderName identifies the HTTP removal backend in results.
	ProviderName = "remove_bg"
	// DefaultCostPerImage is charged for each processed image.
	DefaultCostPerImage = 0.02

	maxImageBytes = 25 << 20
)

// Config controls the HTTP provider.
type Config struct {
	BaseURL      string
	APIKey       string
	CostPerImage float64
	Timeout      time.Duration
	// Prefix is the blob key prefix for cutouts.
	Prefix     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPProvider posts source images to a removal service and stores the
// returned PNG cutout.
type HTTPProvider struct {
	cfg    Config
	client *http.Client
	blobs  pipeline.BlobStore
	hasher *sha256.Hasher
	logger *zap.Logger
}

// NewHTTPProvider builds an HTTPProvider writing cutouts to blobs.
func NewHTTPProvider(cfg Config, blobs pipeline.BlobStore) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("removal base url is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("removal blob store is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.CostPerImage <= 0 {
		cfg.CostPerImage = DefaultCostPerImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "cutouts"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{cfg: cfg, client: client, blobs: blobs, hasher: sha256.New(), logger: logger}, nil
}

// Name implements pipeline.Provider.
func (p *HTTPProvider) Name() string { return ProviderName }

// Skip reports whether the source is already a PNG with transparency. Only
// sources that look like PNGs are downloaded for the check.
func (p *HTTPProvider) Skip(ctx context.Context, in pipeline.Input) bool {
	return skipTransparent(ctx, p.client, in)
}

// Process removes the background of one image.
func (p *HTTPProvider) Process(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	source, _, err := loadSource(ctx, p.client, in)
	if err != nil {
		return pipeline.Output{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/remove", bytes.NewReader(source))
	if err != nil {
		return pipeline.Output{}, pipeline.InputFailure(ProviderName, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "image/png")
	if p.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return pipeline.Output{}, providers.TransportError(ProviderName, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := providers.CheckResponse(ProviderName, resp); err != nil {
		return pipeline.Output{}, err
	}
	cutout, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return pipeline.Output{}, providers.TransportError(ProviderName, fmt.Errorf("read cutout: %w", err))
	}
	if !isPNG(cutout) {
		return pipeline.Output{}, pipeline.BackendFailure(ProviderName, fmt.Errorf("service returned %d bytes that are not a PNG", len(cutout)))
	}

	uri, err := p.blobs.PutObject(ctx, p.hasher.Key(p.cfg.Prefix, cutout, "png"), "image/png", bytes.NewReader(cutout))
	if err != nil {
		return pipeline.Output{}, pipeline.BackendFailure("blob", fmt.Errorf("store cutout: %w", err))
	}
	p.logger.Debug("background removed",
		zap.String("image_id", in.ID),
		zap.String("uri", uri),
		zap.Int("bytes", len(cutout)),
	)
	return pipeline.Output{URL: uri, ContentType: "image/png", Cost: p.cfg.CostPerImage}, nil
}

// loadSource returns the input body, downloading in.URL when it is empty.
func loadSource(ctx context.Context, client *http.Client, in pipeline.Input) ([]byte, string, error) {
	if len(in.Body) > 0 {
		return in.Body, in.ContentType, nil
	}
	if in.URL == "" {
		return nil, "", pipeline.InputFailure("download", fmt.Errorf("image %s has no url or body", in.ID))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, "", pipeline.InputFailure("download", fmt.Errorf("build request for %s: %w", in.URL, err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", providers.TransportError("download", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := providers.CheckResponse("download", resp); err != nil {
		return nil, "", err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", providers.TransportError("download", fmt.Errorf("read %s: %w", in.URL, err))
	}
	if len(data) == 0 {
		return nil, "", pipeline.InputFailure("download", fmt.Errorf("%s returned an empty body", in.URL))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func skipTransparent(ctx context.Context, client *http.Client, in pipeline.Input) bool {
	if len(in.Body) == 0 && !looksLikePNG(in) {
		return false
	}
	data, _, err := loadSource(ctx, client, in)
	if err != nil {
		return false
	}
	return hasTransparency(data)
}

func looksLikePNG(in pipeline.Input) bool {
	if strings.EqualFold(in.ContentType, "image/png") {
		return true
	}
	path := strings.ToLower(in.URL)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(path, ".png")
}
