// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Meshy     MeshyConfig     `mapstructure:"meshy"`
	Removal   RemovalConfig   `mapstructure:"removal"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds  int `mapstructure:"idle_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RunnerConfig bounds per-image batch work.
type RunnerConfig struct {
	MaxConcurrency        int `mapstructure:"max_concurrency"`
	StaggerMs             int `mapstructure:"stagger_ms"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
	UnitTimeoutSeconds    int `mapstructure:"unit_timeout_seconds"`
}

// PollerConfig sets the generation task polling cadence.
type PollerConfig struct {
	IntervalSeconds     int `mapstructure:"interval_seconds"`
	MaxChecks           int `mapstructure:"max_checks"`
	CheckTimeoutSeconds int `mapstructure:"check_timeout_seconds"`
	MaxRetries          int `mapstructure:"max_retries"`
	BackoffInitialMs    int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int `mapstructure:"backoff_max_ms"`
	ProgressFloor       int `mapstructure:"progress_floor"`
}

// BroadcastConfig tunes the observer transport.
type BroadcastConfig struct {
	WriteTimeoutMs    int   `mapstructure:"write_timeout_ms"`
	PongWaitSeconds   int   `mapstructure:"pong_wait_seconds"`
	PingPeriodSeconds int   `mapstructure:"ping_period_seconds"`
	MaxMessageBytes   int64 `mapstructure:"max_message_bytes"`
}

// MetricsConfig holds the aggregator window and health thresholds.
type MetricsConfig struct {
	WindowSize           int     `mapstructure:"window_size"`
	HealthyErrorRate     float64 `mapstructure:"healthy_error_rate"`
	DegradedErrorRate    float64 `mapstructure:"degraded_error_rate"`
	MinPercentileSamples int     `mapstructure:"min_percentile_samples"`
}

// ProgressConfig controls stage-event batching.
type ProgressConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	MaxBatchEvents     int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs     int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// WorkersConfig sizes the product worker pool.
type WorkersConfig struct {
	Count       int `mapstructure:"count"`
	QueueDepth  int `mapstructure:"queue_depth"`
	BatchFanOut int `mapstructure:"batch_fan_out"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	ProductsTable string `mapstructure:"products_table"`
	StagesTable   string `mapstructure:"stages_table"`
	TasksTable    string `mapstructure:"tasks_table"`
}

// BlobConfig selects where cutouts and models are written.
type BlobConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	BaseDir  string `mapstructure:"base_dir"`
	Prefix   string `mapstructure:"prefix"`
}

// NotifyConfig holds completion notification settings.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScraperConfig governs product page acquisition.
type ScraperConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	DelayMs             int    `mapstructure:"delay_ms"`
	HeadlessEnabled     bool   `mapstructure:"headless_enabled"`
	HeadlessMaxParallel int    `mapstructure:"headless_max_parallel"`
	PromotionThreshold  int    `mapstructure:"promotion_threshold"`
	MockFallback        bool   `mapstructure:"mock_fallback"`
	MaxImages           int    `mapstructure:"max_images"`
}

// MeshyConfig configures the 3D generation vendor.
type MeshyConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	TestMode        bool   `mapstructure:"test_mode"`
	AIModel         string `mapstructure:"ai_model"`
	Topology        string `mapstructure:"topology"`
	TargetPolycount int    `mapstructure:"target_polycount"`
	ShouldTexture   bool   `mapstructure:"should_texture"`
}

// RemovalConfig configures the background removal backend.
type RemovalConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	CostPerImage   float64 `mapstructure:"cost_per_image"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// PipelineConfig holds orchestration switches.
type PipelineConfig struct {
	AutoApprove bool `mapstructure:"auto_approve"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogSpans    bool    `mapstructure:"log_spans"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.idle_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("runner.max_concurrency", 3)
	v.SetDefault("runner.stagger_ms", 500)
	v.SetDefault("runner.acquire_timeout_seconds", 300)
	v.SetDefault("runner.unit_timeout_seconds", 60)
	v.SetDefault("poller.interval_seconds", 10)
	v.SetDefault("poller.max_checks", 60)
	v.SetDefault("poller.check_timeout_seconds", 15)
	v.SetDefault("poller.max_retries", 5)
	v.SetDefault("poller.backoff_initial_ms", 1000)
	v.SetDefault("poller.backoff_max_ms", 30000)
	v.SetDefault("poller.progress_floor", 5)
	v.SetDefault("broadcast.write_timeout_ms", 5000)
	v.SetDefault("broadcast.pong_wait_seconds", 60)
	v.SetDefault("broadcast.ping_period_seconds", 54)
	v.SetDefault("broadcast.max_message_bytes", 4096)
	v.SetDefault("metrics.window_size", 1000)
	v.SetDefault("metrics.healthy_error_rate", 0.10)
	v.SetDefault("metrics.degraded_error_rate", 0.25)
	v.SetDefault("metrics.min_percentile_samples", 10)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("workers.batch_fan_out", 3)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.products_table", "products")
	v.SetDefault("store.stages_table", "processing_stages")
	v.SetDefault("store.tasks_table", "generation_tasks")
	v.SetDefault("blob.provider", "memory")
	v.SetDefault("blob.base_dir", "data/blobs")
	v.SetDefault("blob.prefix", "artifacts")
	v.SetDefault("notify.provider", "memory")
	v.SetDefault("notify.topic_name", "product-completed")
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("scraper.timeout_seconds", 30)
	v.SetDefault("scraper.delay_ms", 2000)
	v.SetDefault("scraper.headless_enabled", false)
	v.SetDefault("scraper.headless_max_parallel", 1)
	v.SetDefault("scraper.promotion_threshold", 60)
	v.SetDefault("scraper.mock_fallback", true)
	v.SetDefault("scraper.max_images", 8)
	v.SetDefault("meshy.base_url", "https://api.meshy.ai")
	v.SetDefault("meshy.test_mode", true)
	v.SetDefault("meshy.ai_model", "meshy-5")
	v.SetDefault("meshy.topology", "triangle")
	v.SetDefault("meshy.target_polycount", 30000)
	v.SetDefault("meshy.should_texture", true)
	v.SetDefault("removal.cost_per_image", 0.02)
	v.SetDefault("removal.timeout_seconds", 60)
	v.SetDefault("pipeline.auto_approve", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "product-3d-pipeline")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.log_spans", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Runner.MaxConcurrency <= 0 {
		return fmt.Errorf("runner.max_concurrency must be > 0")
	}
	if c.Poller.IntervalSeconds <= 0 {
		return fmt.Errorf("poller.interval_seconds must be > 0")
	}
	if c.Poller.ProgressFloor < 0 || c.Poller.ProgressFloor > 100 {
		return fmt.Errorf("poller.progress_floor must be within [0, 100]")
	}
	if c.Broadcast.PingPeriodSeconds >= c.Broadcast.PongWaitSeconds {
		return fmt.Errorf("broadcast.ping_period_seconds must be < broadcast.pong_wait_seconds")
	}
	if c.Metrics.WindowSize <= 0 {
		return fmt.Errorf("metrics.window_size must be > 0")
	}
	if c.Metrics.HealthyErrorRate <= 0 || c.Metrics.HealthyErrorRate >= c.Metrics.DegradedErrorRate {
		return fmt.Errorf("metrics.healthy_error_rate must be > 0 and < metrics.degraded_error_rate")
	}
	if c.Metrics.DegradedErrorRate > 1 {
		return fmt.Errorf("metrics.degraded_error_rate must be <= 1")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	switch c.Blob.Provider {
	case "memory", "local":
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("blob.provider %q is not supported", c.Blob.Provider)
	}
	switch c.Notify.Provider {
	case "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicName == "" {
			return fmt.Errorf("notify.project_id and notify.topic_name must be set for pubsub")
		}
	default:
		return fmt.Errorf("notify.provider %q is not supported", c.Notify.Provider)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if !c.Meshy.TestMode && c.Meshy.APIKey == "" {
		return fmt.Errorf("meshy.api_key must be set unless meshy.test_mode is enabled")
	}
	return nil
}

// StaggerDelay is the spacing between runner admissions.
func (c RunnerConfig) StaggerDelay() time.Duration {
	return time.Duration(c.StaggerMs) * time.Millisecond
}

// AcquireTimeout bounds waiting for a runner slot.
func (c RunnerConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// UnitTimeout bounds one provider call.
func (c RunnerConfig) UnitTimeout() time.Duration {
	return time.Duration(c.UnitTimeoutSeconds) * time.Second
}

// Interval is the wait between non-terminal checks.
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// CheckTimeout bounds one status call.
func (c PollerConfig) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutSeconds) * time.Second
}

// WriteTimeout bounds one observer frame write.
func (c BroadcastConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// ScrapeTimeout bounds one acquisition.
func (c ScraperConfig) ScrapeTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
