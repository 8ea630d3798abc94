// Package meshy is a client for a Meshy-style multi-image-to-3D API. In test
// mode no requests leave the process: task ids carry the "mock_" prefix and
// progress is synthesized on each status check.
package meshy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/id/uuid"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/providers"
)

const (
	// ProviderName identifies the generation backend in results.
	ProviderName = "meshy"
	// MockPrefix marks synthesized task ids.
	MockPrefix = "mock_"
	// MaxImages is the most images one task accepts.
	MaxImages = 4

	baseCost    = 0.10
	textureCost = 0.20
	taskPath    = "/openapi/v1/multi-image-to-3d"
)

// Config controls the client.
type Config struct {
	BaseURL         string
	APIKey          string
	TestMode        bool
	AIModel         string
	Topology        string
	TargetPolycount int
	ShouldTexture   bool
	Timeout         time.Duration
	// MockStep is the synthesized progress gained per status check.
	MockStep   int
	HTTPClient *http.Client
	IDs        pipeline.IDGenerator
	Logger     *zap.Logger
}

// Client creates and inspects generation tasks.
type Client struct {
	cfg    Config
	client *http.Client
	ids    pipeline.IDGenerator
	logger *zap.Logger

	mu    sync.Mutex
	mocks map[string]int
}

// New builds a Client. Production mode requires an API key.
func New(cfg Config) (*Client, error) {
	if !cfg.TestMode && cfg.APIKey == "" {
		return nil, fmt.Errorf("meshy api key is required outside test mode")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.meshy.ai"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AIModel == "" {
		cfg.AIModel = "meshy-5"
	}
	if cfg.Topology == "" {
		cfg.Topology = "triangle"
	}
	if cfg.TargetPolycount <= 0 {
		cfg.TargetPolycount = 30000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MockStep <= 0 {
		cfg.MockStep = 34
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	ids := cfg.IDs
	if ids == nil {
		ids = uuid.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, client: client, ids: ids, logger: logger, mocks: make(map[string]int)}, nil
}

// Cost is the charge for one generation task.
func (c *Client) Cost() float64 {
	if c.cfg.TestMode {
		return 0
	}
	if c.cfg.ShouldTexture {
		return baseCost + textureCost
	}
	return baseCost
}

// TargetPolycount is the polycount requested from the vendor.
func (c *Client) TargetPolycount() int { return c.cfg.TargetPolycount }

// Name implements pipeline.Provider.
func (c *Client) Name() string { return ProviderName }

// Process submits a single-image task and returns its reference. Multi-image
// submissions go through CreateTask.
func (c *Client) Process(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	id, err := c.CreateTask(ctx, []string{in.URL})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{URL: "meshy-task://" + id, Cost: c.Cost()}, nil
}

type createRequest struct {
	ImageURLs       []string `json:"image_urls"`
	AIModel         string   `json:"ai_model"`
	Topology        string   `json:"topology"`
	TargetPolycount int      `json:"target_polycount"`
	ShouldTexture   bool     `json:"should_texture"`
	ShouldRemesh    bool     `json:"should_remesh"`
}

type createResponse struct {
	Result string `json:"result"`
}

// CreateTask submits up to MaxImages image URLs and returns the task id.
func (c *Client) CreateTask(ctx context.Context, imageURLs []string) (string, error) {
	urls := make([]string, 0, MaxImages)
	for _, u := range imageURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
		if len(urls) == MaxImages {
			break
		}
	}
	if len(urls) == 0 {
		return "", pipeline.InputFailure(ProviderName, fmt.Errorf("at least one image url is required"))
	}

	if c.cfg.TestMode {
		id, err := c.ids.NewID()
		if err != nil {
			return "", pipeline.BackendFailure(ProviderName, err)
		}
		id = MockPrefix + id
		c.mu.Lock()
		c.mocks[id] = 0
		c.mu.Unlock()
		c.logger.Info("mock generation task created", zap.String("task_id", id), zap.Int("images", len(urls)))
		return id, nil
	}

	payload, err := json.Marshal(createRequest{
		ImageURLs:       urls,
		AIModel:         c.cfg.AIModel,
		Topology:        c.cfg.Topology,
		TargetPolycount: c.cfg.TargetPolycount,
		ShouldTexture:   c.cfg.ShouldTexture,
		ShouldRemesh:    true,
	})
	if err != nil {
		return "", pipeline.InputFailure(ProviderName, fmt.Errorf("encode request: %w", err))
	}
	var out createResponse
	if err := c.do(ctx, http.MethodPost, taskPath, payload, &out); err != nil {
		return "", err
	}
	if out.Result == "" {
		return "", pipeline.BackendFailure(ProviderName, fmt.Errorf("no task id in response"))
	}
	c.logger.Info("generation task created", zap.String("task_id", out.Result), zap.Int("images", len(urls)))
	return out.Result, nil
}

type statusResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ModelURLs struct {
		GLB string `json:"glb"`
	} `json:"model_urls"`
	ThumbnailURL string `json:"thumbnail_url"`
	TaskError    struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

// GetStatus implements pipeline.StatusSource.
func (c *Client) GetStatus(ctx context.Context, taskID string) (pipeline.VendorStatus, error) {
	if strings.HasPrefix(taskID, MockPrefix) {
		return c.mockStatus(taskID)
	}
	if c.cfg.TestMode {
		return pipeline.VendorStatus{}, pipeline.InputFailure(ProviderName, fmt.Errorf("task %s is not a mock task", taskID))
	}
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, taskPath+"/"+taskID, nil, &out); err != nil {
		return pipeline.VendorStatus{}, err
	}
	return pipeline.VendorStatus{
		TaskID:       taskID,
		Status:       out.Status,
		Progress:     out.Progress,
		ModelURL:     out.ModelURLs.GLB,
		ThumbnailURL: out.ThumbnailURL,
		Error:        out.TaskError.Message,
	}, nil
}

func (c *Client) mockStatus(taskID string) (pipeline.VendorStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	checks, ok := c.mocks[taskID]
	if !ok {
		return pipeline.VendorStatus{}, pipeline.InputFailure(ProviderName, fmt.Errorf("unknown mock task %s", taskID))
	}
	c.mocks[taskID] = checks + 1
	status := pipeline.VendorStatus{TaskID: taskID, Progress: min(checks*c.cfg.MockStep, 100)}
	switch {
	case checks == 0:
		status.Status = "PENDING"
	case status.Progress < 100:
		status.Status = "IN_PROGRESS"
	default:
		status.Status = "SUCCEEDED"
		status.ModelURL = fmt.Sprintf("https://assets.meshy.ai/mock/%s/model.glb", taskID)
		status.ThumbnailURL = fmt.Sprintf("https://assets.meshy.ai/mock/%s/preview.png", taskID)
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return pipeline.InputFailure(ProviderName, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return providers.TransportError(ProviderName, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := providers.CheckResponse(ProviderName, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pipeline.BackendFailure(ProviderName, fmt.Errorf("decode %s %s: %w", method, path, err))
	}
	return nil
}
