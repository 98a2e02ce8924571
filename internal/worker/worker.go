// Package worker runs batch units: fetch, extract, optional downloads and
// breadth-first recursion, reporting each unit's state transitions.
package worker

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/extractor"
	"github.com/JakeFAU/batchscrape/internal/id/uuid"
	"github.com/JakeFAU/batchscrape/internal/metrics"
	"github.com/JakeFAU/batchscrape/internal/progress"
)

// URLFetcher is the resilient fetch front (retry, timeout, pacing).
type URLFetcher interface {
	Fetch(ctx context.Context, req crawler.ScrapeRequest) crawler.FetchOutcome
}

// PageExtractor turns raw markup into structured artifacts.
type PageExtractor interface {
	Extract(raw []byte, baseURL string) (crawler.ExtractedPage, error)
	ExtractReadable(raw []byte, baseURL string) (extractor.Readable, error)
}

// ImageDownloader fetches a page's images into dir.
type ImageDownloader interface {
	DownloadAll(ctx context.Context, images []string, dir string) []crawler.DownloadRecord
}

// ResultSink receives one finished top-level PageResult per work item.
type ResultSink interface {
	Put(result crawler.PageResult)
}

// Config carries per-batch options. It is read-only once workers start.
type Config struct {
	BatchID         string
	ExtractLinks    bool
	ExtractImages   bool
	DownloadImages  bool
	ExtractReadable bool
	// ImageDir holds the images_<key> directories.
	ImageDir   string
	BlobPrefix string
	Topic      string
}

// Deps are the collaborators a Worker uses. Queue, Fetcher, Extractor,
// Visited and Results are required; the rest are optional.
type Deps struct {
	Queue      crawler.Queue
	Fetcher    URLFetcher
	Extractor  PageExtractor
	Downloader ImageDownloader
	Visited    *crawler.VisitedSet
	Results    ResultSink
	Progress   progress.Emitter
	Blobs      crawler.BlobStore
	Pages      crawler.PageStore
	Publisher  crawler.Publisher
	Hasher     crawler.Hasher
	Clock      crawler.Clock
}

// Worker consumes work items until the queue is drained or the batch ends.
type Worker struct {
	deps    Deps
	cfg     Config
	batchID [16]byte
	logger  *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	return &Worker{
		deps:    deps,
		cfg:     cfg,
		batchID: uuid.Bytes(cfg.BatchID),
		logger:  logger,
	}
}

// Run blocks until the queue is closed and drained or ctx finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.WorkItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	req := item.Request
	w.deps.Visited.MarkIfNew(req.URL)
	root, links := w.fetchPage(ctx, item.Index, 0, 0, req, req.URL)
	if !root.Failed() && req.Depth > 0 && req.MaxPages > 1 {
		root.Children = w.crawl(ctx, item.Index, req, root, links)
	}
	w.deps.Results.Put(root)
	w.logger.Debug("unit finished",
		zap.Int("index", item.Index),
		zap.String("url", req.URL),
		zap.Bool("failed", root.Failed()),
		zap.Int("children", len(root.Children)),
	)
}

// fetchPage runs one page through Fetching and Extracting to Done or Failed.
// It returns the result and every link discovered on the page, which
// recursion follows even when links are not reported.
func (w *Worker) fetchPage(
	ctx context.Context,
	index, depth, child int,
	req crawler.ScrapeRequest,
	target string,
) (crawler.PageResult, []string) {
	if depth > 0 {
		w.emit(progress.Event{Stage: progress.StageUnitPending, Index: index, Depth: depth, URL: target})
	}
	if ctx.Err() != nil {
		res := crawler.ErrorResult(index, target, crawler.ErrorKindCancelled, "batch deadline reached before fetch", 0)
		res.Depth = depth
		w.emitFailed(res)
		return res, nil
	}

	w.emit(progress.Event{Stage: progress.StageUnitFetching, Index: index, Depth: depth, URL: target, Attempt: 1})
	unit := req
	unit.URL = target
	outcome := w.deps.Fetcher.Fetch(ctx, unit)
	if !outcome.OK() {
		res := crawler.ErrorResult(index, target, outcome.Failure.ErrorKind, outcome.Failure.Message, outcome.Attempts)
		res.Depth = depth
		res.ElapsedMs = outcome.Duration.Milliseconds()
		res.Err.StatusCode = outcome.Failure.StatusCode
		w.emitFailed(res)
		return res, nil
	}

	s := outcome.Success
	res := crawler.PageResult{
		Index:         index,
		URL:           target,
		Depth:         depth,
		StatusCode:    s.StatusCode,
		FinalURL:      s.FinalURL,
		ContentLength: len(s.RawContent),
		ElapsedMs:     outcome.Duration.Milliseconds(),
		Attempts:      outcome.Attempts,
		UsedHeadless:  s.UsedHeadless,
		RawContent:    s.RawContent,
		Screenshot:    s.Screenshot,
	}
	if res.FinalURL == "" {
		res.FinalURL = target
	}

	w.emit(progress.Event{Stage: progress.StageUnitExtracting, Index: index, Depth: depth, URL: target})
	page, discovered, images := w.extract(&res)
	res.Page = &page

	if w.cfg.DownloadImages && w.deps.Downloader != nil && len(images) > 0 {
		dir := filepath.Join(w.cfg.ImageDir, "images_"+crawler.ArtifactKey(index, child))
		res.Downloads = w.deps.Downloader.DownloadAll(ctx, images, dir)
	}

	w.persist(ctx, &res, s.Headers)
	w.emit(progress.Event{
		Stage:       progress.StageUnitDone,
		Index:       index,
		Depth:       depth,
		URL:         target,
		Site:        siteOf(target),
		Attempt:     res.Attempts,
		Bytes:       int64(res.ContentLength),
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Dur:         outcome.Duration,
	})
	return res, discovered
}

// extract resolves artifacts against the post-redirect URL. A parse failure
// leaves an empty page and is recorded on the result.
func (w *Worker) extract(res *crawler.PageResult) (crawler.ExtractedPage, []string, []string) {
	page, err := w.deps.Extractor.Extract(res.RawContent, res.FinalURL)
	if err != nil {
		res.ParseError = err.Error()
		w.logger.Warn("extraction failed", zap.String("url", res.URL), zap.Error(err))
		return page, nil, nil
	}
	if w.cfg.ExtractReadable {
		readable, err := w.deps.Extractor.ExtractReadable(res.RawContent, res.FinalURL)
		if err != nil {
			w.logger.Debug("readable extraction failed", zap.String("url", res.URL), zap.Error(err))
		} else {
			page.MainText = readable.MainText
			page.Markdown = readable.Markdown
		}
	}
	links, images := page.Links, page.Images
	if !w.cfg.ExtractLinks {
		page.Links = []string{}
	}
	if !w.cfg.ExtractImages {
		page.Images = []string{}
	}
	return page, links, images
}

func (w *Worker) emit(evt progress.Event) {
	evt.BatchID = w.batchID
	evt.TS = w.now()
	if evt.Site == "" && evt.URL != "" {
		evt.Site = siteOf(evt.URL)
	}
	w.deps.Progress.Emit(evt)
}

func (w *Worker) emitFailed(res crawler.PageResult) {
	w.emit(progress.Event{
		Stage:       progress.StageUnitFailed,
		Index:       res.Index,
		Depth:       res.Depth,
		URL:         res.URL,
		Attempt:     res.Err.AttemptsMade,
		ErrorKind:   string(res.Err.Kind),
		StatusClass: statusClass(res.Err.StatusCode),
		Note:        res.Err.Message,
	})
}

func (w *Worker) now() time.Time {
	if w.deps.Clock != nil {
		return w.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func statusClass(code int) progress.StatusClass {
	if code == 0 {
		return ""
	}
	return progress.ClassifyStatus(code)
}

func siteOf(rawURL string) string {
	if host := crawler.HostOf(rawURL); host != "" {
		return host
	}
	return "unknown"
}
