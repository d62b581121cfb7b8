// Package server builds the long-lived application graph from configuration
// and owns its startup and shutdown order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/api"
	"github.com/JakeFAU/novelfetch/internal/challenge"
	"github.com/JakeFAU/novelfetch/internal/collection"
	"github.com/JakeFAU/novelfetch/internal/config"
	"github.com/JakeFAU/novelfetch/internal/engine"
	"github.com/JakeFAU/novelfetch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/novelfetch/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/novelfetch/internal/fetcher/headless"
	"github.com/JakeFAU/novelfetch/internal/headless/detector"
	"github.com/JakeFAU/novelfetch/internal/metrics"
	"github.com/JakeFAU/novelfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/novelfetch/internal/progress"
	progresssinks "github.com/JakeFAU/novelfetch/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/novelfetch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/novelfetch/internal/publisher/pubsub"
	"github.com/JakeFAU/novelfetch/internal/scheduler"
	"github.com/JakeFAU/novelfetch/internal/source"
	gcsstorage "github.com/JakeFAU/novelfetch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/novelfetch/internal/storage/local"
)

// Options override parts of the graph, mainly for tests.
type Options struct {
	// Fetcher replaces the colly/chromedp page fetchers.
	Fetcher fetcher.Fetcher
	// Registerer receives the progress collectors; defaults to the global
	// Prometheus registry.
	Registerer prometheus.Registerer
	// Sinks are appended to the configured progress sinks.
	Sinks []progress.Sink
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Scheduler *scheduler.Scheduler
	Resolver  *collection.Resolver
	Parser    *source.Parser
	Feed      *progresssinks.Feed
	Publisher *memorypublisher.Publisher

	apiServer       *api.Server
	progressHub     *progress.Hub
	limiter         *ratelimit.Limiter
	headless        *headlessfetcher.Fetcher
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("max_concurrency", cfg.Scheduler.MaxConcurrency),
		zap.String("site", cfg.Site.BaseURL))

	sinkList, err := app.setupSinks(ctx, opts)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	app.progressHub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.Buffer,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logger.Named("progress_hub"),
	}, sinkList...)

	if err := app.setupSource(opts); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	eng := engine.New(app.Parser, app.Parser, engine.Config{}, logger.Named("engine"))
	app.Scheduler = scheduler.New(cfg.Scheduler, eng, app.progressHub, logger.Named("scheduler"))
	app.Resolver = collection.NewResolver(app.Parser, app.Parser, app.Scheduler, collection.Config{}, logger.Named("collection"))
	app.apiServer = api.NewServer(api.Deps{
		Scheduler: app.Scheduler,
		Expander:  app.Resolver,
		Feed:      app.Feed,
		Defaults:  cfg.DefaultParameters,
		Logger:    logger,
	})
	return app, nil
}

// Config returns the configuration the graph was built from.
func (a *App) Config() config.Config { return a.cfg }

// Handler returns the HTTP control API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// SetRate overrides the request rate for one host.
func (a *App) SetRate(host string, rps float64) { a.limiter.SetRate(host, rps) }

// Run serves the control API and drives the scheduler until ctx is done,
// then cancels every job and shuts down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	go a.Scheduler.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(err, closeErr)
	default:
		return closeErr
	}
}

// RunUntilIdle drives the scheduler without the HTTP API until every job has
// reached a terminal status. onChallenge is invoked once per challenge; it is
// expected to block until the operator has cleared it and then call
// ResolveChallenge.
func (a *App) RunUntilIdle(ctx context.Context, onChallenge func(scheduler.Challenge)) error {
	poll := a.cfg.Scheduler.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var seen time.Time
	for {
		a.Scheduler.Tick()
		if ch, ok := a.Scheduler.Challenge(); ok && !ch.Since.Equal(seen) {
			seen = ch.Since
			if onChallenge == nil {
				a.Scheduler.ResolveChallenge()
			} else {
				onChallenge(ch)
			}
			continue
		}
		if a.Scheduler.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close cancels outstanding jobs and releases every resource.
func (a *App) Close(ctx context.Context) error {
	if a.Resolver != nil {
		a.Resolver.Close()
	}
	if a.Scheduler != nil {
		a.Scheduler.CancelAll()
		a.Scheduler.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.progressHub.Dropped(); dropped > 0 {
			a.logger.Info("progress hub closed", zap.Int64("dropped_ticks", dropped))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) setupSinks(ctx context.Context, opts Options) ([]progress.Sink, error) {
	cfg := a.cfg
	a.Feed = progresssinks.NewFeed(cfg.Progress.FeedSize)
	sinkList := []progress.Sink{a.Feed}

	if cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}

	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		a.logger.Debug("progress collectors already registered")
	} else {
		sinkList = append(sinkList, promSink)
	}

	mirror, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		sinkList = append(sinkList, progresssinks.NewMirrorSink(mirror, cfg.Mirror.Prefix, a.logger.Named("mirror")))
	}

	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(pub, cfg.Publisher.Topic, a.logger.Named("publish")))
	}
	return append(sinkList, opts.Sinks...), nil
}

func (a *App) setupStorage(ctx context.Context) (progresssinks.BlobStore, error) {
	switch {
	case a.cfg.Mirror.GCSBucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Mirror.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts to GCS", zap.String("bucket", a.cfg.Mirror.GCSBucket))
		return store, nil
	case a.cfg.Mirror.LocalDir != "":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Mirror.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts locally", zap.String("path", a.cfg.Mirror.LocalDir))
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (progresssinks.Publisher, error) {
	switch a.cfg.Publisher.Kind {
	case config.PublisherPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = gcppublisher.New(client)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic))
		return a.pubsubPublisher, nil
	case config.PublisherMemory:
		a.Publisher = memorypublisher.New()
		return a.Publisher, nil
	default:
		return nil, nil
	}
}

func (a *App) setupSource(opts Options) error {
	cfg := a.cfg
	a.limiter = ratelimit.New(cfg.Fetch.Config)

	f := opts.Fetcher
	if f == nil {
		plain := collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Fetch.UserAgent,
			Cookies:   cfg.Fetch.Cookies,
			Timeout:   cfg.Fetch.Timeout,
		})
		f = plain
		if cfg.Fetch.Headless.Enabled {
			headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
				MaxParallel:       cfg.Fetch.Headless.MaxParallel,
				UserAgent:         cfg.Fetch.UserAgent,
				Cookies:           cfg.Fetch.Cookies,
				NavigationTimeout: cfg.Fetch.Headless.NavigationTimeout,
			})
			if err != nil {
				a.logger.Warn("headless fetcher init failed", zap.Error(err))
			} else {
				a.headless = headless
				detect := detector.NewHeuristic(cfg.Fetch.Headless.PromotionThreshold, cfg.Fetch.Headless.Markers...)
				f = fetcher.NewPromoting(plain, headless, detect, a.logger.Named("fetch"))
				a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Fetch.Headless.MaxParallel))
			}
		}
	}

	parser, err := source.New(f, a.limiter, challenge.New(cfg.Challenge.Markers, cfg.Challenge.StatusCodes), source.Config{
		BaseURL:    cfg.Site.BaseURL,
		Selectors:  cfg.Site.Selectors,
		MaxRetries: cfg.Fetch.MaxRetries,
		RetryDelay: cfg.Fetch.RetryDelay,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("source init failed: %w", err)
	}
	a.Parser = parser
	return nil
}
