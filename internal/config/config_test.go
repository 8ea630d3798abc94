package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runner.MaxConcurrency != 3 || cfg.Runner.StaggerDelay() != 500*time.Millisecond {
		t.Fatalf("unexpected runner defaults: %+v", cfg.Runner)
	}
	if cfg.Metrics.WindowSize != 1000 || cfg.Metrics.HealthyErrorRate != 0.10 || cfg.Metrics.DegradedErrorRate != 0.25 {
		t.Fatalf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Store.Driver != "memory" || cfg.Blob.Provider != "memory" || cfg.Notify.Provider != "memory" {
		t.Fatalf("expected in-memory backends by default")
	}
	if !cfg.Meshy.TestMode || cfg.Meshy.TargetPolycount != 30000 {
		t.Fatalf("unexpected meshy defaults: %+v", cfg.Meshy)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
runner:
  max_concurrency: 5
  stagger_ms: 0
poller:
  interval_seconds: 2
  progress_floor: 10
metrics:
  window_size: 200
  healthy_error_rate: 0.05
  degraded_error_rate: 0.2
store:
  driver: sqlite
  dsn: file:pipeline.db
blob:
  provider: gcs
  bucket: models
notify:
  provider: pubsub
  project_id: demo
  topic_name: done
meshy:
  test_mode: false
  api_key: msy-key
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Runner.MaxConcurrency != 5 || cfg.Runner.StaggerDelay() != 0 {
		t.Fatalf("expected runner overrides to apply: %+v", cfg.Runner)
	}
	if got := cfg.Poller.Interval(); got != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %v", got)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Blob.Bucket != "models" || cfg.Notify.TopicName != "done" {
		t.Fatalf("expected backend overrides to apply")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if cfg.Metrics.WindowSize != 200 {
		t.Fatalf("expected window 200, got %d", cfg.Metrics.WindowSize)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PIPELINE_RUNNER_MAX_CONCURRENCY", "7")
	t.Setenv("PIPELINE_SERVER_PORT", "9191")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runner.MaxConcurrency != 7 || cfg.Server.Port != 9191 {
		t.Fatalf("expected env overrides, got runner=%d port=%d", cfg.Runner.MaxConcurrency, cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Runner.MaxConcurrency = 0 }, want: "runner.max_concurrency"},
		{name: "invalid interval", mutate: func(c *Config) { c.Poller.IntervalSeconds = 0 }, want: "poller.interval_seconds"},
		{name: "progress floor", mutate: func(c *Config) { c.Poller.ProgressFloor = 101 }, want: "poller.progress_floor"},
		{name: "ping after pong", mutate: func(c *Config) { c.Broadcast.PingPeriodSeconds = 90 }, want: "broadcast.ping_period_seconds"},
		{name: "thresholds inverted", mutate: func(c *Config) { c.Metrics.HealthyErrorRate = 0.5 }, want: "metrics.healthy_error_rate"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = "postgres" }, want: "store.dsn"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Driver = "mongo" }, want: "store.driver"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Blob.Provider = "gcs" }, want: "blob.bucket"},
		{name: "pubsub without topic", mutate: func(c *Config) { c.Notify.Provider = "pubsub" }, want: "notify.project_id"},
		{name: "meshy key", mutate: func(c *Config) { c.Meshy.TestMode = false }, want: "meshy.api_key"},
		{name: "sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 1.5 }, want: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
