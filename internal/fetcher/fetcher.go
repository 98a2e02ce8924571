// Package fetcher turns a ScrapeRequest into exactly one FetchOutcome. It owns
// proxy validation, the per-attempt timeout, retry with backoff, the stealth
// identity, per-host pacing and headless promotion. Backends are swappable
// crawler.Fetcher implementations that issue a single attempt per call.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/metrics"
)

// Pacer delays a request until its host may be contacted again.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) (time.Duration, error)
}

// Config controls Fetcher behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Stealth rotates browser identities and presents a browser TLS
	// fingerprint on direct connections.
	Stealth     bool
	Screenshots bool
	// AutoPromote re-renders JavaScript shells through the headless backend.
	AutoPromote bool
}

// Fetcher is the resilient front of the backends. It holds no batch state.
type Fetcher struct {
	backend    crawler.Fetcher
	headless   crawler.Fetcher
	detector   crawler.HeadlessDetector
	retry      crawler.RetryPolicy
	sleeper    crawler.Sleeper
	pacer      Pacer
	identities *IdentityPool
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Fetcher. headless, detector and pacer may be nil.
func New(
	backend crawler.Fetcher,
	headless crawler.Fetcher,
	detector crawler.HeadlessDetector,
	retry crawler.RetryPolicy,
	sleeper crawler.Sleeper,
	pacer Pacer,
	cfg Config,
	logger *zap.Logger,
) *Fetcher {
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		backend:    backend,
		headless:   headless,
		detector:   detector,
		retry:      retry,
		sleeper:    sleeper,
		pacer:      pacer,
		identities: NewIdentityPool(nil),
		cfg:        cfg,
		logger:     logger,
	}
}

// attemptResult is the classification of one backend call.
type attemptResult struct {
	resp   crawler.FetchResponse
	kind   crawler.ErrorKind
	msg    string
	status int
}

func (a attemptResult) ok() bool { return a.kind == "" }

// Fetch retrieves req.URL. ctx is the batch context: once it is done no new
// attempt or backoff starts, but an attempt already on the wire runs to its
// own timeout.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.ScrapeRequest) crawler.FetchOutcome {
	start := time.Now()
	if err := req.Validate(); err != nil {
		kind, ok := crawler.KindOf(err)
		if !ok {
			kind = crawler.ErrorKindConfigInvalid
		}
		return crawler.Failed(req.URL, kind, err.Error(), 0, time.Since(start))
	}
	proxy, err := crawler.ParseProxy(req.Proxy)
	if err != nil {
		return crawler.Failed(req.URL, crawler.ErrorKindConfigInvalid, err.Error(), 0, time.Since(start))
	}

	logger := f.logger.With(zap.String("url", req.URL))
	var last attemptResult
	attempts := 0
	for {
		if ctx.Err() != nil {
			return f.stopped(req.URL, last, attempts, start)
		}
		if f.pacer != nil {
			if _, err := f.pacer.Wait(ctx, req.URL); err != nil {
				return f.stopped(req.URL, last, attempts, start)
			}
		}

		last = f.attempt(ctx, f.backend, req, proxy)
		attempts++
		if last.ok() {
			success := f.maybePromote(ctx, req, proxy, last.resp, logger)
			return crawler.Succeeded(req.URL, success, attempts, time.Since(start))
		}

		if !f.retry.ShouldRetry(last.kind, attempts, req.RetryCount) {
			logger.Debug("fetch failed",
				zap.String("kind", string(last.kind)),
				zap.Int("attempts", attempts),
				zap.String("error", last.msg),
			)
			return failure(req.URL, last, attempts, start)
		}

		wait := f.retry.Backoff(attempts - 1)
		metrics.ObserveRetry(req.URL)
		logger.Debug("retrying fetch",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.String("error", last.msg),
		)
		if err := f.sleep(ctx, wait); err != nil {
			return f.stopped(req.URL, last, attempts, start)
		}
	}
}

// stopped reports a unit interrupted by the batch deadline. Retries that were
// cut short are Cancelled; the message and status keep the last failure.
func (f *Fetcher) stopped(rawURL string, last attemptResult, attempts int, start time.Time) crawler.FetchOutcome {
	if attempts == 0 {
		return crawler.Failed(rawURL, crawler.ErrorKindCancelled, "batch deadline reached before any attempt", 0, time.Since(start))
	}
	last.msg = fmt.Sprintf("batch deadline reached after %d attempt(s), last: %s", attempts, last.msg)
	last.kind = crawler.ErrorKindCancelled
	return failure(rawURL, last, attempts, start)
}

func failure(rawURL string, last attemptResult, attempts int, start time.Time) crawler.FetchOutcome {
	outcome := crawler.Failed(rawURL, last.kind, last.msg, attempts, time.Since(start))
	outcome.Failure.StatusCode = last.status
	return outcome
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if f.sleeper == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	return f.sleeper.Sleep(ctx, d)
}

// attempt issues one backend call on a context detached from the batch.
func (f *Fetcher) attempt(
	ctx context.Context,
	backend crawler.Fetcher,
	req crawler.ScrapeRequest,
	proxy *url.URL,
) attemptResult {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), req.Timeout())
	defer cancel()

	resp, err := backend.Fetch(attemptCtx, f.buildRequest(req, proxy))
	result := classify(resp, err, attemptCtx.Err())
	label := "ok"
	if !result.ok() {
		label = string(result.kind)
	}
	metrics.ObserveFetchAttempt(req.URL, label, len(resp.Body))
	return result
}

func (f *Fetcher) buildRequest(req crawler.ScrapeRequest, proxy *url.URL) crawler.FetchRequest {
	headers := http.Header{}
	if f.cfg.Stealth {
		headers = f.identities.Next().Headers
	} else if f.cfg.UserAgent != "" {
		headers.Set("User-Agent", f.cfg.UserAgent)
	}
	return crawler.FetchRequest{
		URL:           req.URL,
		Headers:       headers,
		Proxy:         proxy,
		Timeout:       req.Timeout(),
		RespectRobots: f.cfg.RespectRobots,
		Fingerprint:   f.cfg.Stealth && proxy == nil,
		Screenshot:    f.cfg.Screenshots,
	}
}

// maybePromote re-renders a JavaScript shell once through the headless
// backend. A failed promotion keeps the HTTP response.
func (f *Fetcher) maybePromote(
	ctx context.Context,
	req crawler.ScrapeRequest,
	proxy *url.URL,
	resp crawler.FetchResponse,
	logger *zap.Logger,
) crawler.FetchSuccess {
	if !f.cfg.AutoPromote || f.headless == nil || f.detector == nil || ctx.Err() != nil {
		return toSuccess(req.URL, resp)
	}
	if !f.detector.ShouldPromote(resp) {
		return toSuccess(req.URL, resp)
	}

	promoted := f.attempt(ctx, f.headless, req, proxy)
	metrics.ObserveHeadlessPromotion(promoted.ok())
	if !promoted.ok() {
		logger.Info("headless promotion failed, keeping http response", zap.String("error", promoted.msg))
		return toSuccess(req.URL, resp)
	}
	logger.Debug("promoted to headless render")
	return toSuccess(req.URL, promoted.resp)
}

func toSuccess(requestURL string, resp crawler.FetchResponse) crawler.FetchSuccess {
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = requestURL
	}
	return crawler.FetchSuccess{
		StatusCode:   resp.StatusCode,
		RawContent:   resp.Body,
		FinalURL:     finalURL,
		Headers:      resp.Headers,
		UsedHeadless: resp.UsedHeadless,
		Screenshot:   resp.Screenshot,
	}
}

// classify maps a backend result onto the error taxonomy. An empty kind means
// success. attemptErr is the attempt context's error, set when the per-attempt
// timeout fired.
func classify(resp crawler.FetchResponse, err, attemptErr error) attemptResult {
	if err != nil {
		kind := classifyError(err, attemptErr)
		return attemptResult{kind: kind, msg: err.Error()}
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests || code >= 500:
		return attemptResult{kind: crawler.ErrorKindTransient, msg: statusMessage(code), status: code}
	case code >= 400:
		return attemptResult{kind: crawler.ErrorKindNonTransient, msg: statusMessage(code), status: code}
	}
	return attemptResult{resp: resp, status: resp.StatusCode}
}

func classifyError(err, attemptErr error) crawler.ErrorKind {
	if kind, ok := crawler.KindOf(err); ok {
		return kind
	}
	if attemptErr != nil || errors.Is(err, context.DeadlineExceeded) {
		return crawler.ErrorKindTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return crawler.ErrorKindNonTransient
	}
	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return crawler.ErrorKindNonTransient
	}
	return crawler.ErrorKindTransient
}

func statusMessage(code int) string {
	if text := http.StatusText(code); text != "" {
		return fmt.Sprintf("HTTP %d %s", code, text)
	}
	return fmt.Sprintf("HTTP %d", code)
}
