package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/metrics"
)

const reasonTLSHandshake = "TLS handshake timeout"

const allowAllRobots = "User-agent: *\nAllow: /"

var robotsProbeBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsFallbacks remembers hosts whose robots.txt could not be read. They
// are treated as allow-all for the life of the Fetcher.
type robotsFallbacks struct {
	mu     sync.Mutex
	hosts  map[string]string
	logger *zap.Logger
}

func newRobotsFallbacks(logger *zap.Logger) *robotsFallbacks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &robotsFallbacks{hosts: make(map[string]string), logger: logger}
}

func (f *robotsFallbacks) reason(host string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.hosts[strings.ToLower(host)]
	return r, ok
}

func (f *robotsFallbacks) record(host, reason string) {
	host = strings.ToLower(host)
	f.mu.Lock()
	_, seen := f.hosts[host]
	if !seen {
		f.hosts[host] = reason
	}
	f.mu.Unlock()
	if seen {
		return
	}
	f.logger.Warn("robots.txt unreadable, allowing host", zap.String("host", host), zap.String("reason", reason))
	metrics.ObserveRobotsFallback()
}

// robotsTransport sits under colly's robots.txt lookup. Ordinary requests
// pass straight through.
type robotsTransport struct {
	base      http.RoundTripper
	fallbacks *robotsFallbacks
	backoff   []time.Duration
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	if _, ok := t.fallbacks.reason(req.URL.Host); ok {
		return allowAllResponse(req), nil
	}
	return t.probe(req)
}

// probe retries handshake timeouts on the robots.txt request, then gives up
// and answers allow-all. Any other error is returned unchanged.
func (t *robotsTransport) probe(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isHandshakeTimeout(err) {
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		}
		if attempt >= len(t.backoff) {
			t.fallbacks.record(req.URL.Host, reasonTLSHandshake)
			return allowAllResponse(req), nil
		}
		if err := sleepCtx(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func isHandshakeTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
