// Package server assembles the application's dependencies and owns its
// lifecycle: startup, the HTTP listener, worker fan-out, and graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/a11ylab/scanrunner/internal/api"
	"github.com/a11ylab/scanrunner/internal/clock/system"
	"github.com/a11ylab/scanrunner/internal/config"
	"github.com/a11ylab/scanrunner/internal/dispatcher"
	"github.com/a11ylab/scanrunner/internal/engine"
	"github.com/a11ylab/scanrunner/internal/hash/sha256"
	idgen "github.com/a11ylab/scanrunner/internal/id/uuid"
	"github.com/a11ylab/scanrunner/internal/logging"
	"github.com/a11ylab/scanrunner/internal/orchestrator"
	"github.com/a11ylab/scanrunner/internal/policy/ratelimit"
	"github.com/a11ylab/scanrunner/internal/progress"
	progresssinks "github.com/a11ylab/scanrunner/internal/progress/sinks"
	memorypublisher "github.com/a11ylab/scanrunner/internal/publisher/memory"
	gcppublisher "github.com/a11ylab/scanrunner/internal/publisher/pubsub"
	queuememory "github.com/a11ylab/scanrunner/internal/queue/memory"
	runstorememory "github.com/a11ylab/scanrunner/internal/runstore/memory"
	"github.com/a11ylab/scanrunner/internal/scan"
	"github.com/a11ylab/scanrunner/internal/telemetry"
	"github.com/a11ylab/scanrunner/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	progressHub     *progress.Hub
	queue           *queuememory.Queue
	pubsubClient    *gpubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies from configuration.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:    cfg,
		logger: logger,
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Scan.Concurrency),
	)

	tp, err := telemetry.InitTracerProvider(ctx, "scanrunner")
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	engineClient := engine.New(engine.Config{
		BaseURL:     cfg.Engine.BaseURL,
		CapturePath: cfg.Engine.CapturePath,
		AnalyzePath: cfg.Engine.AnalyzePath,
		StatusPath:  cfg.Engine.StatusPath,
		Timeout:     cfg.EngineTimeout(),
	}, logger.Named("engine"))

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(publisher)
	if err != nil {
		return nil, err
	}

	store := runstorememory.NewRunStore(system.New())
	app.queue = queuememory.NewQueue(cfg.Scan.QueueDepth)
	app.dispatch = app.setupDispatcher(engineClient, store, emitter)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.Burst,
		})
		logger.Info("submission rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	app.apiServer = api.NewServer(
		store,
		app.dispatch,
		idgen.New(),
		system.New(),
		limiter,
		cfg,
		logger.Named("api"),
	)

	return app, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.queue.Close()
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (scan.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("pubsub disabled, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = gcppublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupProgress(publisher scan.Publisher) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if a.cfg.PubSub.Enabled {
		sinkList = append(sinkList, progresssinks.NewPublishSink(
			publisher,
			a.cfg.PubSub.TopicName,
			a.logger.Named("progress_publish"),
		))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Hub.BufferSize,
		MaxBatchEvents: a.cfg.Hub.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Hub.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Hub.SinkTimeoutSeconds) * time.Second,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return a.progressHub, nil
}

func (a *App) setupDispatcher(
	engineClient scan.EngineClient,
	store scan.RunStore,
	emitter progress.Emitter,
) *dispatcher.Dispatcher {
	clock := system.New()
	hasher := sha256.New()
	runner := orchestrator.New(engineClient, engineClient, engineClient, a.logger.Named("orchestrator"))

	workerCfg := worker.Config{
		PollInterval:  a.cfg.PollInterval(),
		RetryStatuses: a.cfg.RetryStatuses(),
	}
	a.logger.Info("worker config",
		zap.Duration("poll_interval", workerCfg.PollInterval),
		zap.Int("concurrency", a.cfg.Scan.Concurrency),
	)

	workers := make([]*worker.Worker, 0, a.cfg.Scan.Concurrency)
	for i := 0; i < a.cfg.Scan.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			store,
			runner,
			emitter,
			hasher,
			clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(a.queue, workers)
}
