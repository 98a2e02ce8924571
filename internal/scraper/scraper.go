// Package scraper runs batches: it validates setup, fans units out to a
// bounded worker pool and assembles results in input order.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/dispatcher"
	"github.com/JakeFAU/batchscrape/internal/id/uuid"
	"github.com/JakeFAU/batchscrape/internal/progress"
	"github.com/JakeFAU/batchscrape/internal/queue/memory"
	"github.com/JakeFAU/batchscrape/internal/worker"
)

const defaultConcurrency = 4

// Options apply to every unit of a batch.
type Options struct {
	Concurrency int
	// Proxy is used by requests that do not name their own.
	Proxy           string
	ExtractLinks    bool
	ExtractImages   bool
	DownloadImages  bool
	ExtractReadable bool
	// OutputDir receives images_<key> directories when downloading.
	OutputDir  string
	BlobPrefix string
	Topic      string
}

// Deps are shared across batches. Fetcher and Extractor are required.
type Deps struct {
	Fetcher    worker.URLFetcher
	Extractor  worker.PageExtractor
	Downloader worker.ImageDownloader
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Progress   progress.Emitter
	Blobs      crawler.BlobStore
	Pages      crawler.PageStore
	Publisher  crawler.Publisher
	Hasher     crawler.Hasher
}

// Scraper runs batches. It is safe to run several batches concurrently.
type Scraper struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// New builds a Scraper.
func New(deps Deps, opts Options, logger *zap.Logger) *Scraper {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{deps: deps, opts: opts, logger: logger}
}

// Options returns the batch options in effect.
func (s *Scraper) Options() Options {
	return s.opts
}

// BatchScrape fetches every request and returns one entry per request in
// input order. The error is non-nil only when the batch proxy is invalid;
// per-URL failures, including malformed requests, are entries.
// When ctx ends, units that never completed an attempt are Cancelled.
func (s *Scraper) BatchScrape(ctx context.Context, reqs []crawler.ScrapeRequest) (crawler.BatchResult, error) {
	batchID, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.BatchResult{}, fmt.Errorf("batch id: %w", err)
	}
	logger := s.logger.With(zap.String("batch_id", batchID))
	emit := s.emitter(batchID)

	reqs, proxy, err := s.prepare(reqs)
	if err != nil {
		emit(progress.Event{Stage: progress.StageBatchError, Note: err.Error()})
		return crawler.BatchResult{}, err
	}

	started := s.now()
	emit(progress.Event{Stage: progress.StageBatchStart})
	logger.Info("batch started",
		zap.Int("urls", len(reqs)),
		zap.Int("concurrency", s.opts.Concurrency),
		zap.String("proxy", crawler.RedactProxy(proxy)),
	)

	dupOf := duplicates(reqs)
	queue := memory.NewQueue(len(reqs))
	results := newCollector(len(reqs))
	visited := crawler.NewVisitedSet()
	workerCfg := worker.Config{
		BatchID:         batchID,
		ExtractLinks:    s.opts.ExtractLinks,
		ExtractImages:   s.opts.ExtractImages,
		DownloadImages:  s.opts.DownloadImages,
		ExtractReadable: s.opts.ExtractReadable,
		ImageDir:        s.opts.OutputDir,
		BlobPrefix:      s.opts.BlobPrefix,
		Topic:           s.opts.Topic,
	}
	deps := worker.Deps{
		Queue:      queue,
		Fetcher:    s.deps.Fetcher,
		Extractor:  s.deps.Extractor,
		Downloader: s.deps.Downloader,
		Visited:    visited,
		Results:    results,
		Progress:   s.deps.Progress,
		Blobs:      s.deps.Blobs,
		Pages:      s.deps.Pages,
		Publisher:  s.deps.Publisher,
		Hasher:     s.deps.Hasher,
		Clock:      s.deps.Clock,
	}

	// Every root is claimed up front so recursion from one unit never
	// fetches a URL that another unit owns.
	for _, req := range reqs {
		visited.MarkIfNew(req.URL)
	}

	poolSize := min(s.opts.Concurrency, max(len(reqs)-len(dupOf), 1))
	runners := make([]dispatcher.Runner, poolSize)
	for i := range runners {
		runners[i] = worker.New(deps, workerCfg, logger.Named("worker").With(zap.Int("worker", i)))
	}
	dispatch := dispatcher.New(queue, runners)

	for i, req := range reqs {
		if _, dup := dupOf[i]; dup {
			continue
		}
		emit(progress.Event{Stage: progress.StageUnitPending, Index: i, URL: req.URL})
		if err := dispatch.Enqueue(ctx, crawler.WorkItem{Index: i, Request: req}); err != nil {
			// Capacity covers every request, so this only fails on a done ctx.
			logger.Debug("enqueue stopped", zap.Int("index", i), zap.Error(err))
			break
		}
	}
	dispatch.Close()
	dispatch.Run(ctx)

	batch := crawler.BatchResult{
		BatchID:   batchID,
		StartedAt: started,
		Results:   s.assemble(reqs, results, dupOf, emit),
	}
	batch.FinishedAt = s.now()

	counts := batch.Counts()
	emit(progress.Event{
		Stage:   progress.StageBatchDone,
		Partial: !batch.Succeeded(),
		Dur:     batch.FinishedAt.Sub(started),
	})
	logger.Info("batch finished",
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("failed", counts.Failed),
		zap.Int("pages", counts.Pages),
		zap.Duration("elapsed", batch.FinishedAt.Sub(started)),
	)
	return batch, nil
}

// prepare applies the batch proxy. Only a bad batch proxy is fatal; a
// malformed request becomes a failed entry when its unit runs.
func (s *Scraper) prepare(reqs []crawler.ScrapeRequest) ([]crawler.ScrapeRequest, *url.URL, error) {
	proxy, err := crawler.ParseProxy(s.opts.Proxy)
	if err != nil {
		return nil, nil, err
	}
	out := make([]crawler.ScrapeRequest, len(reqs))
	for i, req := range reqs {
		if req.Proxy == "" {
			req.Proxy = s.opts.Proxy
		}
		out[i] = req
	}
	return out, proxy, nil
}

// assemble places results by index. Duplicates copy their first occurrence;
// slots no worker filled were cut off by the deadline.
func (s *Scraper) assemble(
	reqs []crawler.ScrapeRequest,
	results *collector,
	dupOf map[int]int,
	emit func(progress.Event),
) []crawler.PageResult {
	out := make([]crawler.PageResult, len(reqs))
	for i, req := range reqs {
		if first, dup := dupOf[i]; dup {
			cp := out[first]
			cp.Index = i
			cp.DuplicateOf = &first
			out[i] = cp
			continue
		}
		if res, ok := results.get(i); ok {
			out[i] = res
			continue
		}
		out[i] = crawler.ErrorResult(i, req.URL, crawler.ErrorKindCancelled, "batch deadline reached before fetch", 0)
		emit(progress.Event{
			Stage:     progress.StageUnitFailed,
			Index:     i,
			URL:       req.URL,
			ErrorKind: string(crawler.ErrorKindCancelled),
		})
	}
	return out
}

// duplicates maps a later request index to its first occurrence. Only
// recursive requests are collapsed; depth-0 repeats are independent units.
func duplicates(reqs []crawler.ScrapeRequest) map[int]int {
	dupOf := map[int]int{}
	first := map[string]int{}
	for i, req := range reqs {
		if req.Depth == 0 {
			continue
		}
		key, err := crawler.NormalizeURL(req.URL)
		if err != nil {
			continue
		}
		if j, ok := first[key]; ok {
			dupOf[i] = j
			continue
		}
		first[key] = i
	}
	return dupOf
}

func (s *Scraper) emitter(batchID string) func(progress.Event) {
	id := uuid.Bytes(batchID)
	return func(evt progress.Event) {
		evt.BatchID = id
		evt.TS = s.now()
		if evt.URL != "" && evt.Site == "" {
			evt.Site = crawler.HostOf(evt.URL)
		}
		s.deps.Progress.Emit(evt)
	}
}

func (s *Scraper) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now().UTC()
}

// IsFatal reports whether err aborted a batch before any unit ran.
func IsFatal(err error) bool {
	var e *crawler.Error
	return errors.As(err, &e) && e.Kind == crawler.ErrorKindConfigInvalid
}

type collector struct {
	mu      sync.Mutex
	results []*crawler.PageResult
}

func newCollector(n int) *collector {
	return &collector{results: make([]*crawler.PageResult, n)}
}

// Put implements worker.ResultSink.
func (c *collector) Put(r crawler.PageResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Index < 0 || r.Index >= len(c.results) {
		return
	}
	c.results[r.Index] = &r
}

func (c *collector) get(i int) (crawler.PageResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results[i] == nil {
		return crawler.PageResult{}, false
	}
	return *c.results[i], true
}
