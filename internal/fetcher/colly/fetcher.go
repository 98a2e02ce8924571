// Package collyfetcher implements the plain HTTP backend using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 20 * 1024 * 1024
)

// ErrBodyTooLarge is returned for responses longer than Config.MaxBodySize.
// Such bodies are never handed on partially.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout applies when a request carries none.
	Timeout     time.Duration
	MaxBodySize int
	Logger      *zap.Logger
}

// Fetcher implements crawler.Fetcher using a fresh Colly collector per call.
// Transports are pooled per proxy so connections are reused across a batch.
type Fetcher struct {
	cfg        Config
	transports *transportPool
	robots     *robotsFallbacks
	logger     *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:        cfg,
		transports: newTransportPool(),
		robots:     newRobotsFallbacks(logger),
		logger:     logger,
	}
}

// Fetch executes a single HTTP GET. Every HTTP status is returned as a
// response; only transport failures and robots blocks are errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

// Close releases pooled idle connections.
func (f *Fetcher) Close() {
	f.transports.closeIdle()
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	collector.ParseHTTPErrorResponse = true
	// One byte over the limit reveals a body colly would silently truncate.
	collector.MaxBodySize = f.cfg.MaxBodySize + 1
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !(f.cfg.RespectRobots || request.RespectRobots)

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)

	var rt http.RoundTripper = f.transports.get(request.Proxy, request.Fingerprint)
	if !collector.IgnoreRobotsTxt {
		rt = &robotsTransport{
			base:      rt,
			fallbacks: f.robots,
			backoff:   robotsProbeBackoff,
		}
	}
	collector.WithTransport(rt)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		if len(r.Body) > f.cfg.MaxBodySize {
			*fetchErr = crawler.NewError(crawler.ErrorKindNonTransient, "colly response",
				fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, f.cfg.MaxBodySize))
			return
		}
		resp := crawler.FetchResponse{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			resp.Headers = r.Headers.Clone()
		}
		// Colly rewrites Request.URL to the post-redirect location.
		if r.Request != nil && r.Request.URL != nil {
			resp.URL = r.Request.URL.String()
		}
		*result = resp
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			if permanentVisitError(err) {
				return crawler.NewError(crawler.ErrorKindNonTransient, "colly visit", err)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// permanentVisitError reports collector refusals that no retry can change.
func permanentVisitError(err error) bool {
	for _, target := range []error{
		colly.ErrRobotsTxtBlocked,
		colly.ErrForbiddenDomain,
		colly.ErrForbiddenURL,
		colly.ErrMissingURL,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// copyHeaders replaces collector defaults (such as User-Agent) with the
// request's header values.
func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil || r.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}
