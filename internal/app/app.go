// Package app initializes and holds the long-lived crawl services, acting as a
// dependency injection container for the crawl command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/apilink-crawler/internal/api"
	"github.com/JakeFAU/apilink-crawler/internal/classify"
	"github.com/JakeFAU/apilink-crawler/internal/config"
	"github.com/JakeFAU/apilink-crawler/internal/crawler"
	"github.com/JakeFAU/apilink-crawler/internal/dispatcher"
	"github.com/JakeFAU/apilink-crawler/internal/emitter"
	"github.com/JakeFAU/apilink-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/apilink-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/apilink-crawler/internal/frontier"
	"github.com/JakeFAU/apilink-crawler/internal/httpcache"
	"github.com/JakeFAU/apilink-crawler/internal/metrics"
	"github.com/JakeFAU/apilink-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/apilink-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/apilink-crawler/internal/robots"
	"github.com/JakeFAU/apilink-crawler/internal/scheduler"
	"github.com/JakeFAU/apilink-crawler/internal/storage/gcs"
	"github.com/JakeFAU/apilink-crawler/internal/storage/postgres"
	"github.com/JakeFAU/apilink-crawler/internal/telemetry"
	"github.com/JakeFAU/apilink-crawler/internal/worker"
)

const uploadTimeout = 2 * time.Minute

// Result describes a finished crawl.
type Result struct {
	RunID     uuid.UUID
	Summary   dispatcher.Summary
	Stats     worker.Stats
	Records   map[crawler.RecordType]int
	OutputURI string
}

// App holds every service a single crawl needs. It is built once per run.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  uuid.UUID

	frontier   *frontier.Frontier
	scheduler  *scheduler.Scheduler
	worker     *worker.Worker
	dispatcher *dispatcher.Dispatcher
	emitter    *emitter.Emitter
	file       *emitter.FileSink
	uploader   *gcs.Uploader

	closers []func() error

	mu     sync.Mutex
	state  string
	reason dispatcher.StopReason
}

// New wires the crawl from cfg. It fails fast if any configured sink or
// backend cannot be initialized, releasing whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	a := &App{
		cfg:    cfg,
		logger: logger.With(zap.String("run_id", runID.String())),
		runID:  runID,
		state:  api.StateStarting,
	}
	if err := a.build(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			a.logger.Warn("cleanup after failed init", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	metrics.Init()
	a.logger.Info("initializing crawl services", zap.String("seed", cfg.Crawler.SeedURL))

	tp, err := telemetry.InitTracerProvider(ctx, a.runID.String())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })

	classifier, err := classify.New(cfg.Crawler.ExcludePatterns, cfg.Crawler.APIPatterns)
	if err != nil {
		return fmt.Errorf("compile patterns: %w", err)
	}

	a.frontier, err = frontier.New(frontier.Config{
		Seed:     cfg.Crawler.SeedURL,
		Scope:    frontier.Scope(cfg.Crawler.Scope),
		MaxDepth: cfg.Crawler.MaxDepth,
	}, classifier)
	if err != nil {
		return fmt.Errorf("init frontier: %w", err)
	}

	opts := []scheduler.Option{
		scheduler.WithLogger(a.logger),
		scheduler.WithRobots(robots.New(
			cfg.Crawler.RespectRobots,
			cfg.Crawler.UserAgent,
			&http.Client{Timeout: cfg.Crawler.RequestTimeout},
			a.logger,
		)),
	}
	if limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Crawler.HostRPS, Burst: cfg.Crawler.HostBurst}); limiter.Enabled() {
		opts = append(opts, scheduler.WithHostLimiter(limiter))
	}
	if cfg.HTTPCache.Enabled {
		cache, err := httpcache.Open(httpcache.Config{Dir: cfg.HTTPCache.Dir, TTL: cfg.HTTPCache.TTL}, a.logger)
		if err != nil {
			return fmt.Errorf("init http cache: %w", err)
		}
		a.closers = append(a.closers, cache.Close)
		opts = append(opts, scheduler.WithCache(cache))
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Timeout:        cfg.Crawler.RequestTimeout,
		CookiesEnabled: cfg.Crawler.CookiesEnabled,
		MaxBodyBytes:   cfg.Crawler.MaxBodyBytes,
	})
	a.scheduler, err = scheduler.New(schedulerConfig(cfg), fetcher, opts...)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	sinks, err := a.buildSinks(ctx)
	if err != nil {
		return err
	}
	a.emitter = emitter.New(a.logger, sinks...)

	if cfg.Output.GCS.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.uploader, err = gcs.New(client, gcs.Config{Bucket: cfg.Output.GCS.Bucket, Object: cfg.Output.GCS.Object})
		if err != nil {
			return fmt.Errorf("init gcs uploader: %w", err)
		}
	}

	a.worker = worker.New(
		a.scheduler,
		a.frontier,
		extract.New(classifier, a.logger),
		classifier,
		a.emitter,
		worker.Config{APIConcurrency: cfg.Crawler.APIConcurrency},
		a.logger,
	)
	a.dispatcher, err = dispatcher.New(
		dispatcher.Config{Seed: cfg.Crawler.SeedURL, Workers: cfg.Crawler.MaxConcurrency},
		a.frontier,
		a.worker,
		a.scheduler,
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	a.logger.Info("crawl services initialized", zap.Int("sinks", len(sinks)))
	return nil
}

// buildSinks opens the output file plus any configured remote sinks.
func (a *App) buildSinks(ctx context.Context) ([]crawler.RecordSink, error) {
	cfg := a.cfg.Output
	format, err := emitter.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	a.file, err = emitter.NewFileSink(cfg.Path, format)
	if err != nil {
		return nil, fmt.Errorf("init output file: %w", err)
	}
	sinks := []crawler.RecordSink{a.file}
	a.closers = append(a.closers, func() error { return a.file.Close(context.Background()) })

	if cfg.Postgres.DSN != "" {
		store, err := postgres.NewRecordStore(ctx, postgres.Config{DSN: cfg.Postgres.DSN, Table: cfg.Postgres.Table}, a.runID)
		if err != nil {
			return nil, fmt.Errorf("init postgres sink: %w", err)
		}
		a.logger.Info("writing records to postgres", zap.String("table", cfg.Postgres.Table))
		sinks = append(sinks, store)
		a.closers = append(a.closers, func() error { return store.Close(context.Background()) })
	}
	if cfg.PubSub.Topic != "" {
		pub, err := pubsubpublisher.New(ctx, pubsubpublisher.Config{ProjectID: cfg.PubSub.ProjectID, Topic: cfg.PubSub.Topic}, a.runID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		a.logger.Info("publishing records to pubsub", zap.String("topic", cfg.PubSub.Topic))
		sinks = append(sinks, pub)
		a.closers = append(a.closers, func() error { return pub.Close(context.Background()) })
	}
	return sinks, nil
}

func schedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		MaxConcurrency:     cfg.Crawler.MaxConcurrency,
		PerHostConcurrency: cfg.Crawler.PerDomainConcurrency,
		DownloadDelay:      cfg.Crawler.DownloadDelay,
		RandomizeDelay:     cfg.Crawler.RandomizeDelay,
		AutoThrottle: scheduler.AutoThrottleConfig{
			Enabled:           cfg.AutoThrottle.Enabled,
			StartDelay:        cfg.AutoThrottle.StartDelay,
			MaxDelay:          cfg.AutoThrottle.MaxDelay,
			TargetConcurrency: cfg.AutoThrottle.TargetConcurrency,
		},
		RetryTimes:     cfg.RetryTimes(),
		RetryHTTPCodes: cfg.Retry.HTTPCodes,
		RequestTimeout: cfg.Crawler.RequestTimeout,
		Headers:        cfg.RequestHeaders(),
		Memory: scheduler.MemoryConfig{
			Enabled:      cfg.Memory.Enabled,
			LimitBytes:   cfg.Memory.LimitMB << 20,
			WarningBytes: cfg.Memory.WarningMB << 20,
			WatchHeap:    cfg.Memory.WatchHeap,
		},
	}
}

// RunID identifies this crawl in every sink.
func (a *App) RunID() uuid.UUID {
	return a.runID
}

// Run crawls until the frontier drains, ctx is canceled or a fatal error
// occurs. The output is finalized in every case. When metrics.addr is set the
// operator server runs for the duration of the crawl.
func (a *App) Run(ctx context.Context) (Result, error) {
	serverDone := a.startServer(ctx)
	a.setState(api.StateRunning, "")

	summary, runErr := a.dispatcher.Run(ctx)

	// Records already produced are flushed even when the crawl was canceled.
	flushCtx := context.WithoutCancel(ctx)
	closeErr := a.emitter.Close(flushCtx)
	if closeErr != nil {
		closeErr = fmt.Errorf("finalize output: %w", closeErr)
	}

	var uploadErr error
	var outputURI string
	if a.uploader != nil && closeErr == nil {
		uploadCtx, cancel := context.WithTimeout(flushCtx, uploadTimeout)
		outputURI, uploadErr = a.uploader.UploadFile(uploadCtx, a.file.Path(), "application/json")
		cancel()
		if uploadErr != nil {
			uploadErr = fmt.Errorf("upload output: %w", uploadErr)
		} else {
			a.logger.Info("output uploaded", zap.String("uri", outputURI))
		}
	}

	a.setState(api.StateStopped, summary.Reason)
	serverDone()

	result := Result{
		RunID:     a.runID,
		Summary:   summary,
		Stats:     a.worker.Stats(),
		Records:   a.emitter.Counts(),
		OutputURI: outputURI,
	}
	a.logSummary(result)
	return result, errors.Join(runErr, closeErr, uploadErr)
}

// startServer launches the operator HTTP server if configured and returns a
// function that stops it and waits for shutdown.
func (a *App) startServer(ctx context.Context) func() {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return func() {}
	}
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	srv := api.NewServer(a, a.logger)
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(srvCtx, addr); err != nil {
			a.logger.Error("operator server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *App) logSummary(res Result) {
	a.logger.Info("crawl summary",
		zap.String("stop_reason", string(res.Summary.Reason)),
		zap.Duration("duration", res.Summary.Duration),
		zap.Int("dispatched", res.Summary.Dispatched),
		zap.Int64("pages", res.Stats.Pages),
		zap.Int64("links", res.Stats.Links),
		zap.Int64("apis", res.Stats.APIs),
		zap.Int64("failures", res.Stats.Failures),
		zap.Int("visited", a.frontier.Visited()),
		zap.Int("pending", a.frontier.Pending()),
		zap.String("output", a.file.Path()),
	)
}

func (a *App) setState(state string, reason dispatcher.StopReason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
	a.reason = reason
}

// Status implements api.StatusProvider.
func (a *App) Status() api.CrawlStatus {
	a.mu.Lock()
	state, reason := a.state, a.reason
	a.mu.Unlock()

	stats := a.worker.Stats()
	counts := a.emitter.Counts()
	records := make(map[string]int, len(counts))
	for kind, n := range counts {
		records[string(kind)] = n
	}
	return api.CrawlStatus{
		RunID:      a.runID.String(),
		Seed:       a.cfg.Crawler.SeedURL,
		State:      state,
		StopReason: string(reason),
		Pending:    a.frontier.Pending(),
		Visited:    a.frontier.Visited(),
		InFlight:   a.scheduler.InFlight(),
		Pages:      stats.Pages,
		Failures:   stats.Failures,
		Records:    records,
	}
}

// Close releases every backend in reverse order of creation. It is safe to
// call after Run and more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing crawl services", zap.Error(err))
		return err
	}
	return nil
}
