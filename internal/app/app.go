// Package app is the composition root: it builds the long-lived services
// from a Config and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/clock/system"
	"github.com/JakeFAU/batchscrape/internal/config"
	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/downloader"
	"github.com/JakeFAU/batchscrape/internal/extractor"
	"github.com/JakeFAU/batchscrape/internal/fetcher"
	collyfetcher "github.com/JakeFAU/batchscrape/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/batchscrape/internal/fetcher/headless"
	"github.com/JakeFAU/batchscrape/internal/hash/sha256"
	"github.com/JakeFAU/batchscrape/internal/headless/detector"
	"github.com/JakeFAU/batchscrape/internal/id/uuid"
	"github.com/JakeFAU/batchscrape/internal/metrics"
	"github.com/JakeFAU/batchscrape/internal/policy/ratelimit"
	"github.com/JakeFAU/batchscrape/internal/progress"
	progresssinks "github.com/JakeFAU/batchscrape/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/batchscrape/internal/publisher/pubsub"
	"github.com/JakeFAU/batchscrape/internal/scraper"
	gcsstorage "github.com/JakeFAU/batchscrape/internal/storage/gcs"
	localstorage "github.com/JakeFAU/batchscrape/internal/storage/local"
	memorystorage "github.com/JakeFAU/batchscrape/internal/storage/memory"
	pgstore "github.com/JakeFAU/batchscrape/internal/storage/postgres"
	"github.com/JakeFAU/batchscrape/internal/store"
)

// App holds the services shared by every batch.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	scraper      *scraper.Scraper
	progressRepo store.ProgressRepository
	progressHub  *progress.Hub
	closers      []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies. reg receives the progress
// collectors; nil means the default registerer.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.String("headless_engine", cfg.Headless.Engine),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	deps, err := app.setupFetching()
	if err != nil {
		app.closeQuietly(ctx)
		return nil, err
	}
	if err := app.setupSinks(ctx, &deps); err != nil {
		app.closeQuietly(ctx)
		return nil, err
	}
	if err := app.setupProgress(ctx, &deps, reg); err != nil {
		app.closeQuietly(ctx)
		return nil, err
	}

	app.scraper = scraper.New(deps, scraper.Options{
		Concurrency:     cfg.Crawler.Concurrency,
		Proxy:           cfg.Scrape.Proxy,
		ExtractLinks:    cfg.Scrape.ExtractLinks,
		ExtractImages:   cfg.Scrape.ExtractImages,
		DownloadImages:  cfg.Scrape.DownloadImages,
		ExtractReadable: cfg.Scrape.ExtractReadable,
		OutputDir:       cfg.Scrape.OutputDir,
		BlobPrefix:      cfg.Storage.Prefix,
		Topic:           cfg.PubSub.TopicName,
	}, logger.Named("scraper"))
	return app, nil
}

// Scraper returns the batch runner.
func (a *App) Scraper() *scraper.Scraper {
	return a.scraper
}

// ProgressRepo is nil unless a database is configured.
func (a *App) ProgressRepo() store.ProgressRepository {
	return a.progressRepo
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// setupFetching builds the backends, the resilient fetcher, the extractor
// and the downloader.
func (a *App) setupFetching() (scraper.Deps, error) {
	cfg := a.cfg
	httpBackend := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       config.Millis(cfg.Scrape.TimeoutMs),
		MaxBodySize:   cfg.Crawler.MaxBodyBytes,
		Logger:        a.logger.Named("colly"),
	})
	a.onClose("colly", func(context.Context) error {
		httpBackend.Close()
		return nil
	})

	headless, err := a.setupHeadless()
	if err != nil {
		return scraper.Deps{}, err
	}

	pages, images := a.newFetchers(httpBackend, headless)

	a.logger.Info("fetcher ready",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Bool("stealth", cfg.Crawler.Stealth),
		zap.Bool("respect_robots", cfg.Crawler.RespectRobots),
		zap.Bool("auto_promote", a.autoPromote(headless)),
	)

	return scraper.Deps{
		Fetcher:   pages,
		Extractor: extractor.New(a.logger.Named("extractor")),
		Downloader: downloader.New(images, downloader.Config{
			RetryCount: cfg.Download.RetryCount,
			TimeoutMs:  cfg.Download.TimeoutMs,
			Parallel:   cfg.Download.Parallel,
			Proxy:      cfg.Scrape.Proxy,
		}, a.logger.Named("downloader")),
		IDs:    uuid.New(),
		Clock:  system.New(),
		Hasher: sha256.New(),
	}, nil
}

// newFetchers returns the page fetcher and the image fetcher. Images always
// go over plain HTTP: a browser would hand back its viewer page instead of
// the image bytes.
func (a *App) newFetchers(httpBackend, headless crawler.Fetcher) (*fetcher.Fetcher, *fetcher.Fetcher) {
	cfg := a.cfg
	backend := httpBackend
	if cfg.Headless.Always && headless != nil {
		backend = headless
		a.logger.Info("all page fetches go through the headless backend")
	}
	var detect crawler.HeadlessDetector
	if a.autoPromote(headless) {
		detect = detector.NewHeuristic(cfg.Headless.PromotionThresh)
	}

	pacer := a.pacer()
	retry := crawler.NewExponentialRetryPolicy(
		config.Millis(cfg.Crawler.BackoffBaseMs),
		config.Millis(cfg.Crawler.BackoffMaxMs),
	)
	fcfg := fetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Stealth:       cfg.Crawler.Stealth,
	}

	pageCfg := fcfg
	pageCfg.Screenshots = cfg.Scrape.Screenshots
	pageCfg.AutoPromote = detect != nil
	pages := fetcher.New(backend, headless, detect, retry, nil, pacer, pageCfg, a.logger.Named("fetcher"))
	images := fetcher.New(httpBackend, nil, nil, retry, nil, pacer, fcfg, a.logger.Named("image_fetcher"))
	return pages, images
}

func (a *App) autoPromote(headless crawler.Fetcher) bool {
	return a.cfg.Headless.AutoPromote && headless != nil
}

// pacer spaces requests to one host. Pacing is part of stealth mode.
func (a *App) pacer() fetcher.Pacer {
	if !a.cfg.Crawler.Stealth {
		return nil
	}
	return ratelimit.New(ratelimit.Config{
		MinGap: config.Millis(a.cfg.Crawler.PacingMinMs),
		MaxGap: config.Millis(a.cfg.Crawler.PacingMaxMs),
	})
}

// setupHeadless returns nil when no engine is configured.
func (a *App) setupHeadless() (crawler.Fetcher, error) {
	cfg := a.cfg
	hcfg := headlessfetcher.Config{
		MaxParallel: cfg.Headless.MaxParallel,
		UserAgent:   cfg.Crawler.UserAgent,
		ControlURL:  cfg.Headless.ControlURL,
		Logger:      a.logger.Named("headless"),
	}
	switch cfg.Headless.Engine {
	case "":
		return nil, nil
	case "chromedp":
		f, err := headlessfetcher.NewChromedp(hcfg)
		if err != nil {
			return nil, fmt.Errorf("chromedp fetcher init failed: %w", err)
		}
		a.onClose("chromedp", func(context.Context) error {
			f.Close()
			return nil
		})
		a.logger.Info("using chromedp headless backend", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		return f, nil
	case "rod":
		f, err := headlessfetcher.NewRod(hcfg)
		if err != nil {
			return nil, fmt.Errorf("rod fetcher init failed: %w", err)
		}
		a.onClose("rod", func(context.Context) error {
			f.Close()
			return nil
		})
		a.logger.Info("using rod headless backend", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		return f, nil
	default:
		return nil, crawler.NewError(crawler.ErrorKindConfigInvalid, "headless",
			fmt.Errorf("unknown engine %q", cfg.Headless.Engine))
	}
}

// setupSinks wires the optional write-only page sinks.
func (a *App) setupSinks(ctx context.Context, deps *scraper.Deps) error {
	cfg := a.cfg
	switch cfg.Storage.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket}, a.logger.Named("gcs"))
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return blobs.Close() })
		deps.Blobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Storage.GCSBucket))
	case "local":
		dir := cfg.Storage.LocalDir
		if dir == "" {
			dir = filepath.Join(cfg.Scrape.OutputDir, "blobs")
		}
		blobs, err := localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		deps.Blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", blobs.BaseDir()))
	case "memory":
		deps.Blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
	default:
		a.logger.Debug("raw page storage disabled")
	}

	if cfg.DB.DSN == "" {
		a.logger.Debug("no database DSN, page records and batch history disabled")
	} else {
		pages, err := pgstore.NewPageStore(ctx, pgstore.PageStoreConfig{DSN: cfg.DB.DSN, Table: cfg.DB.Table})
		if err != nil {
			return fmt.Errorf("page store init failed: %w", err)
		}
		a.onClose("page store", func(context.Context) error {
			pages.Close()
			return nil
		})
		deps.Pages = pages

		progressStore, err := pgstore.NewProgressStore(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("progress store init failed: %w", err)
		}
		a.onClose("progress store", func(context.Context) error {
			progressStore.Close()
			return nil
		})
		a.progressRepo = progressStore
		a.logger.Info("postgres stores initialized", zap.String("table", cfg.DB.Table))
	}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pub, err := gcppublisher.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onClose("pubsub", func(context.Context) error { return pub.Close() })
		deps.Publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, deps *scraper.Deps, reg prometheus.Registerer) error {
	cfg := a.cfg.Progress
	if !cfg.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.progressRepo, a.logger.Named("progress_store")))
	}
	if cfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}

	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.Batch.MaxEvents,
		MaxBatchWait:   config.Millis(cfg.Batch.MaxWaitMs),
		SinkTimeout:    config.Millis(cfg.SinkTimeoutMs),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	deps.Progress = a.progressHub
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Close drains progress first so the stores it writes to are still open,
// then releases the rest in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeQuietly(ctx context.Context) {
	_ = a.Close(ctx)
}
