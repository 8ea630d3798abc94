// Package server builds the application's dependency graph and runs the
// HTTP server and worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/api"
	"github.com/JakeFAU/product-3d-pipeline/internal/broadcast"
	"github.com/JakeFAU/product-3d-pipeline/internal/clock"
	"github.com/JakeFAU/product-3d-pipeline/internal/config"
	"github.com/JakeFAU/product-3d-pipeline/internal/dispatcher"
	"github.com/JakeFAU/product-3d-pipeline/internal/id/uuid"
	"github.com/JakeFAU/product-3d-pipeline/internal/logging"
	"github.com/JakeFAU/product-3d-pipeline/internal/metrics"
	memorynotify "github.com/JakeFAU/product-3d-pipeline/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/product-3d-pipeline/internal/notify/pubsub"
	"github.com/JakeFAU/product-3d-pipeline/internal/orchestrator"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/poller"
	"github.com/JakeFAU/product-3d-pipeline/internal/progress"
	progresssinks "github.com/JakeFAU/product-3d-pipeline/internal/progress/sinks"
	"github.com/JakeFAU/product-3d-pipeline/internal/providers/meshy"
	"github.com/JakeFAU/product-3d-pipeline/internal/providers/removal"
	queueMemory "github.com/JakeFAU/product-3d-pipeline/internal/queue/memory"
	"github.com/JakeFAU/product-3d-pipeline/internal/runner"
	"github.com/JakeFAU/product-3d-pipeline/internal/scraper"
	"github.com/JakeFAU/product-3d-pipeline/internal/storage"
	"github.com/JakeFAU/product-3d-pipeline/internal/store"
	storeMemory "github.com/JakeFAU/product-3d-pipeline/internal/store/memory"
	pgstore "github.com/JakeFAU/product-3d-pipeline/internal/store/postgres"
	sqlitestore "github.com/JakeFAU/product-3d-pipeline/internal/store/sqlite"
	"github.com/JakeFAU/product-3d-pipeline/internal/telemetry"
	"github.com/JakeFAU/product-3d-pipeline/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registry     *prometheus.Registry
	collectors   *metrics.Collectors
	aggregator   *metrics.Aggregator
	store        pipeline.Store
	blobs        pipeline.BlobStore
	notifier     pipeline.Notifier
	broadcaster  *broadcast.Broadcaster
	progressHub  *progress.Hub
	poller       *poller.Poller
	orchestrator *orchestrator.Orchestrator
	queue        *queueMemory.Queue
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server
	closers      []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Orchestrator exposes the pipeline for one-shot CLI runs.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Workers.Count))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.broadcaster.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases every owned resource in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Build creates the application's dependencies. It builds its own logger
// from cfg.Logging.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger creates the application's dependencies with the given
// logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()

	type sanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		StoreDriver string `json:"store_driver"`
		Blob        string `json:"blob_provider"`
		Notify      string `json:"notify_provider"`
		MeshyTest   bool   `json:"meshy_test_mode"`
		AutoApprove bool   `json:"auto_approve"`
	}
	logger.Info("building application dependencies", zap.Any("config", sanitizedConfig{
		ServerPort:  cfg.Server.Port,
		StoreDriver: cfg.Store.Driver,
		Blob:        cfg.Blob.Provider,
		Notify:      cfg.Notify.Provider,
		MeshyTest:   cfg.Meshy.TestMode,
		AutoApprove: cfg.Pipeline.AutoApprove,
	}))

	sysClock := clock.New()
	ids := uuid.New()

	if err = app.setupTracing(ctx); err != nil {
		return app, err
	}
	app.setupMetrics(sysClock)
	if err = app.setupStore(ctx); err != nil {
		return app, err
	}
	if err = app.setupBlobs(ctx); err != nil {
		return app, err
	}
	if err = app.setupNotifier(ctx); err != nil {
		return app, err
	}
	if err = app.setupProgress(ctx); err != nil {
		return app, err
	}

	app.broadcaster = broadcast.New(broadcast.Config{
		WriteTimeout: cfg.Broadcast.WriteTimeout(),
		Clock:        sysClock,
		Recorder:     app.aggregator,
		Logger:       logger.Named("broadcast"),
	})

	scrape, err := app.setupScraper()
	if err != nil {
		return app, err
	}
	removalProvider, err := app.setupRemoval()
	if err != nil {
		return app, err
	}
	generator, err := meshy.New(meshy.Config{
		BaseURL:         cfg.Meshy.BaseURL,
		APIKey:          cfg.Meshy.APIKey,
		TestMode:        cfg.Meshy.TestMode,
		AIModel:         cfg.Meshy.AIModel,
		Topology:        cfg.Meshy.Topology,
		TargetPolycount: cfg.Meshy.TargetPolycount,
		ShouldTexture:   cfg.Meshy.ShouldTexture,
		IDs:             ids,
		Logger:          logger.Named("meshy"),
	})
	if err != nil {
		return app, fmt.Errorf("meshy client init failed: %w", err)
	}
	logger.Info("generation backend configured", zap.Bool("test_mode", cfg.Meshy.TestMode))

	app.poller = poller.New(generator, poller.Config{
		ProgressFloor: cfg.Poller.ProgressFloor,
		CheckTimeout:  cfg.Poller.CheckTimeout(),
		Loader:        app.store,
		Clock:         sysClock,
		Logger:        logger.Named("poller"),
	})

	run := runner.New(runner.Config{
		MaxConcurrency: cfg.Runner.MaxConcurrency,
		Stagger:        cfg.Runner.StaggerDelay(),
		AcquireTimeout: cfg.Runner.AcquireTimeout(),
		UnitTimeout:    cfg.Runner.UnitTimeout(),
		Clock:          sysClock,
		Logger:         logger.Named("runner"),
	})

	app.orchestrator, err = orchestrator.New(orchestrator.Config{
		MaxImages:          meshy.MaxImages,
		RemovalConcurrency: cfg.Runner.MaxConcurrency,
		AutoApprove:        cfg.Pipeline.AutoApprove,
		BatchFanOut:        cfg.Workers.BatchFanOut,
		TargetPolycount:    cfg.Meshy.TargetPolycount,
		Watch: poller.WatchConfig{
			Interval:  cfg.Poller.Interval(),
			MaxChecks: cfg.Poller.MaxChecks,
			Retry: &poller.ExponentialBackoff{
				MaxAttempts: cfg.Poller.MaxRetries,
				BaseDelay:   time.Duration(cfg.Poller.BackoffInitialMs) * time.Millisecond,
				MaxDelay:    time.Duration(cfg.Poller.BackoffMaxMs) * time.Millisecond,
			},
		},
	}, orchestrator.Deps{
		Scraper:   scrape,
		Removal:   removalProvider,
		Generator: generator,
		Runner:    run,
		Poller:    app.poller,
		Store:     app.store,
		Events:    app.progressHub,
		Broadcast: app.broadcaster,
		Metrics:   app.aggregator,
		Notifier:  app.notifier,
		Clock:     sysClock,
		IDs:       ids,
		Logger:    logger.Named("orchestrator"),
	})
	if err != nil {
		return app, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.setupDispatcher()

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(api.Config{
		APIKey:         apiKey,
		RequestTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}, api.Deps{
		Products: app.orchestrator,
		Queue:    app.dispatch,
		Store:    app.store,
		Tasks:    app.poller,
		Metrics:  app.aggregator,
		Gatherer: app.registry,
		Observers: broadcast.NewHandler(app.broadcaster, broadcast.TransportConfig{
			WriteWait:       cfg.Broadcast.WriteTimeout(),
			PongWait:        time.Duration(cfg.Broadcast.PongWaitSeconds) * time.Second,
			PingPeriod:      time.Duration(cfg.Broadcast.PingPeriodSeconds) * time.Second,
			MaxMessageBytes: cfg.Broadcast.MaxMessageBytes,
		}, logger.Named("ws")),
		IDs:    ids,
		Clock:  sysClock,
		Logger: logger.Named("api"),
	})

	return app, nil
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
		LogSpans:    a.cfg.Tracing.LogSpans,
	}, a.logger.Named("trace"))
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	a.onClose("tracer", tp.Shutdown)
	return nil
}

func (a *App) setupMetrics(clk pipeline.Clock) {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collectors = metrics.NewCollectors(a.registry)
	a.aggregator = metrics.NewAggregator(metrics.Config{
		WindowSize:           a.cfg.Metrics.WindowSize,
		HealthyErrorRate:     a.cfg.Metrics.HealthyErrorRate,
		DegradedErrorRate:    a.cfg.Metrics.DegradedErrorRate,
		MinPercentileSamples: a.cfg.Metrics.MinPercentileSamples,
		Clock:                clk,
		Mirror:               a.collectors,
	})
}

func (a *App) setupStore(ctx context.Context) error {
	tables := store.Tables{
		Products: a.cfg.Store.ProductsTable,
		Stages:   a.cfg.Store.StagesTable,
		Tasks:    a.cfg.Store.TasksTable,
	}
	switch a.cfg.Store.Driver {
	case "postgres":
		pg, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.Store.DSN, Tables: tables})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.onClose("postgres", func(context.Context) error {
			pg.Close()
			return nil
		})
		a.store = pg
		a.logger.Info("using postgres store", zap.String("products_table", tables.Products))
	case "sqlite":
		db, err := sqlitestore.Open(ctx, a.cfg.Store.DSN, tables)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.onClose("sqlite", func(context.Context) error { return db.Close() })
		a.store = db
		a.logger.Info("using sqlite store", zap.String("dsn", a.cfg.Store.DSN))
	default:
		a.logger.Warn("using in-memory store; products are lost on restart")
		a.store = storeMemory.New()
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	blobs, cleanup, err := storage.New(ctx, a.cfg.Blob)
	if err != nil {
		return fmt.Errorf("blob store init failed: %w", err)
	}
	a.onClose("blob store", func(context.Context) error { return cleanup() })
	a.blobs = blobs
	a.logger.Info("blob store configured", zap.String("provider", a.cfg.Blob.Provider))
	return nil
}

func (a *App) setupNotifier(ctx context.Context) error {
	if a.cfg.Notify.Provider != "pubsub" {
		a.logger.Info("using in-memory notifier")
		a.notifier = memorynotify.New()
		return nil
	}
	n, err := pubsubnotify.Dial(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub notifier init failed: %w", err)
	}
	a.onClose("pubsub notifier", func(context.Context) error { return n.Close() })
	a.notifier = n
	a.logger.Info("Pub/Sub notifier initialized",
		zap.String("project", a.cfg.Notify.ProjectID),
		zap.String("topic", a.cfg.Notify.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.store, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutSeconds) * time.Second,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.onClose("progress hub", a.progressHub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func (a *App) setupScraper() (pipeline.Scraper, error) {
	sc := a.cfg.Scraper
	var renderer scraper.Renderer
	if sc.HeadlessEnabled {
		r, err := scraper.NewChromedpRenderer(scraper.RendererConfig{
			MaxParallel:       sc.HeadlessMaxParallel,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: sc.ScrapeTimeout(),
		})
		switch {
		case err == nil:
			renderer = r
			a.onClose("renderer", func(context.Context) error {
				r.Close()
				return nil
			})
			a.logger.Info("using headless renderer", zap.Int("max_parallel", sc.HeadlessMaxParallel))
		case errors.Is(err, scraper.ErrRendererDisabled):
			a.logger.Warn("renderer disabled despite config; using static fetches only")
		default:
			return nil, fmt.Errorf("renderer init failed: %w", err)
		}
	}
	s := scraper.New(scraper.Config{
		UserAgent:          sc.UserAgent,
		Timeout:            sc.ScrapeTimeout(),
		Delay:              time.Duration(sc.DelayMs) * time.Millisecond,
		MaxImages:          sc.MaxImages,
		PromotionThreshold: sc.PromotionThreshold,
		Observer:           a.collectors,
		Logger:             a.logger.Named("scraper"),
	}, renderer)
	if sc.MockFallback {
		a.logger.Info("scraper mock fallback enabled")
	}
	return scraper.NewMockFallback(s, sc.MockFallback, a.logger.Named("scraper")), nil
}

func (a *App) setupRemoval() (pipeline.Provider, error) {
	rc := a.cfg.Removal
	timeout := time.Duration(rc.TimeoutSeconds) * time.Second
	prefix := path.Join(a.cfg.Blob.Prefix, "cutouts")
	if rc.BaseURL == "" {
		a.logger.Warn("no removal service configured; using local near-white keyer")
		return removal.NewKeyer(a.blobs, prefix, timeout, a.logger.Named("keyer")), nil
	}
	p, err := removal.NewHTTPProvider(removal.Config{
		BaseURL:      rc.BaseURL,
		APIKey:       rc.APIKey,
		CostPerImage: rc.CostPerImage,
		Timeout:      timeout,
		Prefix:       prefix,
		Logger:       a.logger.Named("removal"),
	}, a.blobs)
	if err != nil {
		return nil, fmt.Errorf("removal provider init failed: %w", err)
	}
	a.logger.Info("using removal service", zap.String("base_url", rc.BaseURL))
	return p, nil
}

func (a *App) setupDispatcher() {
	a.queue = queueMemory.NewQueue(a.cfg.Workers.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Workers.Count)
	for i := 0; i < a.cfg.Workers.Count; i++ {
		workers = append(workers, worker.New(i, a.queue, a.orchestrator, a.collectors, a.logger.Named("worker")))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	a.logger.Info("worker pool configured",
		zap.Int("workers", a.cfg.Workers.Count),
		zap.Int("queue_depth", a.cfg.Workers.QueueDepth),
	)
}
