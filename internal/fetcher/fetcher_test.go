package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

type scriptedBackend struct {
	mu       sync.Mutex
	calls    map[string]int
	requests []crawler.FetchRequest
	respond  func(ctx context.Context, req crawler.FetchRequest, call int) (crawler.FetchResponse, error)
}

func newScriptedBackend(respond func(context.Context, crawler.FetchRequest, int) (crawler.FetchResponse, error)) *scriptedBackend {
	return &scriptedBackend{calls: make(map[string]int), respond: respond}
}

func (b *scriptedBackend) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	b.mu.Lock()
	b.calls[req.URL]++
	call := b.calls[req.URL]
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	return b.respond(ctx, req, call)
}

func (b *scriptedBackend) count(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[url]
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
	err   error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return s.err
}

type countingPacer struct {
	mu    sync.Mutex
	hosts []string
}

func (p *countingPacer) Wait(_ context.Context, rawURL string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hosts = append(p.hosts, rawURL)
	return 0, nil
}

type staticDetector bool

func (d staticDetector) ShouldPromote(crawler.FetchResponse) bool { return bool(d) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func okResponse(req crawler.FetchRequest) crawler.FetchResponse {
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("<html><body>ok</body></html>"),
	}
}

func request(url string, retries int) crawler.ScrapeRequest {
	return crawler.ScrapeRequest{URL: url, MaxPages: 1, TimeoutMs: 1000, RetryCount: retries}
}

func newTestFetcher(backend crawler.Fetcher, sleeper crawler.Sleeper) *Fetcher {
	return New(backend, nil, nil, crawler.NewExponentialRetryPolicy(time.Millisecond, 10*time.Millisecond),
		sleeper, nil, Config{}, nil)
}

func TestFetchRetriesTransientUpToBudget(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusServiceUnavailable}, nil
	})
	sleeper := &recordingSleeper{}
	f := newTestFetcher(backend, sleeper)

	outcome := f.Fetch(context.Background(), request("https://example.com/down", 3))
	require.False(t, outcome.OK())
	assert.Equal(t, crawler.ErrorKindTransient, outcome.Failure.ErrorKind)
	assert.Equal(t, 4, outcome.Failure.AttemptsMade)
	assert.Equal(t, http.StatusServiceUnavailable, outcome.Failure.StatusCode)
	assert.Contains(t, outcome.Failure.Message, "503")
	assert.Equal(t, 4, backend.count("https://example.com/down"))
	assert.Len(t, sleeper.waits, 3)
}

func TestFetchTooManyRequestsIsTransient(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, call int) (crawler.FetchResponse, error) {
		if call == 1 {
			return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusTooManyRequests}, nil
		}
		return okResponse(req), nil
	})
	f := newTestFetcher(backend, &recordingSleeper{})

	outcome := f.Fetch(context.Background(), request("https://example.com/busy", 1))
	require.True(t, outcome.OK())
	assert.Equal(t, 2, outcome.Attempts)
}

func TestFetchNotFoundConsumesNoRetries(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	})
	sleeper := &recordingSleeper{}
	f := newTestFetcher(backend, sleeper)

	outcome := f.Fetch(context.Background(), request("https://example.com/missing", 3))
	require.False(t, outcome.OK())
	assert.Equal(t, crawler.ErrorKindNonTransient, outcome.Failure.ErrorKind)
	assert.Equal(t, 1, outcome.Failure.AttemptsMade)
	assert.Empty(t, sleeper.waits)
}

func TestFetchSuccessAndTimeoutScenario(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		if req.URL == "https://a.example/" {
			return okResponse(req), nil
		}
		return crawler.FetchResponse{}, &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}}
	})
	f := newTestFetcher(backend, &recordingSleeper{})

	a := f.Fetch(context.Background(), request("https://a.example/", 2))
	b := f.Fetch(context.Background(), request("https://b.example/", 2))

	require.True(t, a.OK())
	assert.Equal(t, http.StatusOK, a.Success.StatusCode)
	assert.Equal(t, "https://a.example/", a.Success.FinalURL)
	require.False(t, b.OK())
	assert.Equal(t, crawler.ErrorKindTransient, b.Failure.ErrorKind)
	assert.Equal(t, 3, b.Failure.AttemptsMade)
}

func TestFetchRejectsBadInputBeforeNetwork(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return okResponse(req), nil
	})
	f := newTestFetcher(backend, &recordingSleeper{})

	badProxy := request("https://example.com/", 1)
	badProxy.Proxy = "http://proxy-without-port"
	outcome := f.Fetch(context.Background(), badProxy)
	require.False(t, outcome.OK())
	assert.Equal(t, crawler.ErrorKindConfigInvalid, outcome.Failure.ErrorKind)
	assert.Zero(t, outcome.Failure.AttemptsMade)

	outcome = f.Fetch(context.Background(), request("ftp://example.com/file", 1))
	require.False(t, outcome.OK())
	assert.Equal(t, crawler.ErrorKindNonTransient, outcome.Failure.ErrorKind)

	assert.Empty(t, backend.requests)
}

func TestFetchCancelledBeforeFirstAttempt(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return okResponse(req), nil
	})
	f := newTestFetcher(backend, &recordingSleeper{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := f.Fetch(ctx, request("https://example.com/", 2))
	require.False(t, outcome.OK())
	assert.Equal(t, crawler.ErrorKindCancelled, outcome.Failure.ErrorKind)
	assert.Zero(t, outcome.Failure.AttemptsMade)
	assert.Empty(t, backend.requests)
}

func TestFetchDeadlineDuringBackoffIsCancelled(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusBadGateway}, nil
	})
	sleeper := &recordingSleeper{err: context.DeadlineExceeded}
	f := newTestFetcher(backend, sleeper)

	outcome := f.Fetch(context.Background(), request("https://example.com/", 5))
	require.False(t, outcome.OK())
	assert.Equal(t, crawler.ErrorKindCancelled, outcome.Failure.ErrorKind)
	assert.Equal(t, 1, outcome.Failure.AttemptsMade)
	assert.Equal(t, http.StatusBadGateway, outcome.Failure.StatusCode)
	assert.Contains(t, outcome.Failure.Message, "HTTP 502")
	assert.Equal(t, 1, backend.count("https://example.com/"))
}

func TestFetchAttemptOutlivesBatchCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var attemptErr error
	backend := newScriptedBackend(func(attemptCtx context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		cancel()
		attemptErr = attemptCtx.Err()
		_, hasDeadline := attemptCtx.Deadline()
		assert.True(t, hasDeadline, "attempt carries its own timeout")
		return okResponse(req), nil
	})
	f := newTestFetcher(backend, &recordingSleeper{})

	outcome := f.Fetch(ctx, request("https://example.com/", 0))
	require.True(t, outcome.OK())
	assert.NoError(t, attemptErr)
}

func TestFetchPromotesJavaScriptShell(t *testing.T) {
	t.Parallel()

	httpBackend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return okResponse(req), nil
	})
	rendered := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		resp := okResponse(req)
		resp.Body = []byte("<html><body>rendered</body></html>")
		resp.UsedHeadless = true
		return resp, nil
	})
	f := New(httpBackend, rendered, staticDetector(true), nil, &recordingSleeper{}, nil,
		Config{AutoPromote: true}, nil)

	outcome := f.Fetch(context.Background(), request("https://spa.example/", 0))
	require.True(t, outcome.OK())
	assert.True(t, outcome.Success.UsedHeadless)
	assert.Contains(t, string(outcome.Success.RawContent), "rendered")
	assert.Equal(t, 1, outcome.Attempts)
}

func TestFetchFailedPromotionKeepsHTTPResponse(t *testing.T) {
	t.Parallel()

	httpBackend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return okResponse(req), nil
	})
	broken := newScriptedBackend(func(context.Context, crawler.FetchRequest, int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, errors.New("browser crashed")
	})
	f := New(httpBackend, broken, staticDetector(true), nil, &recordingSleeper{}, nil,
		Config{AutoPromote: true}, nil)

	outcome := f.Fetch(context.Background(), request("https://spa.example/", 0))
	require.True(t, outcome.OK())
	assert.False(t, outcome.Success.UsedHeadless)
	assert.Equal(t, 1, broken.count("https://spa.example/"))
}

func TestFetchStealthIdentityAndFingerprint(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return okResponse(req), nil
	})
	pacer := &countingPacer{}
	f := New(backend, nil, nil, nil, &recordingSleeper{}, pacer, Config{Stealth: true}, nil)

	require.True(t, f.Fetch(context.Background(), request("https://example.com/", 0)).OK())
	proxied := request("https://example.com/p", 0)
	proxied.Proxy = "socks5://proxy.local:1080"
	require.True(t, f.Fetch(context.Background(), proxied).OK())

	require.Len(t, backend.requests, 2)
	direct, viaProxy := backend.requests[0], backend.requests[1]
	assert.NotEmpty(t, direct.Headers.Get("User-Agent"))
	assert.NotEmpty(t, direct.Headers.Get("Accept-Language"))
	assert.Empty(t, direct.Headers.Get("Accept-Encoding"))
	assert.True(t, direct.Fingerprint)
	assert.False(t, viaProxy.Fingerprint)
	require.NotNil(t, viaProxy.Proxy)
	assert.Equal(t, "proxy.local:1080", viaProxy.Proxy.Host)
	assert.Len(t, pacer.hosts, 2)
}

func TestFetchPlainUserAgent(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return okResponse(req), nil
	})
	f := New(backend, nil, nil, nil, &recordingSleeper{}, nil, Config{UserAgent: "batchscrape/1.0"}, nil)

	require.True(t, f.Fetch(context.Background(), request("https://example.com/", 0)).OK())
	require.Len(t, backend.requests, 1)
	assert.Equal(t, "batchscrape/1.0", backend.requests[0].Headers.Get("User-Agent"))
	assert.False(t, backend.requests[0].Fingerprint)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, crawler.ErrorKindNonTransient,
		classifyError(&net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, nil))
	assert.Equal(t, crawler.ErrorKindTransient,
		classifyError(&net.DNSError{Err: "server misbehaving", Name: "example.com", IsTemporary: true}, nil))
	assert.Equal(t, crawler.ErrorKindTransient, classifyError(errors.New("connection reset by peer"), nil))
	assert.Equal(t, crawler.ErrorKindTransient, classifyError(errors.New("canceled"), context.DeadlineExceeded))
	assert.Equal(t, crawler.ErrorKindNonTransient,
		classifyError(crawler.NewError(crawler.ErrorKindNonTransient, "visit", errors.New("robots")), nil))
}
