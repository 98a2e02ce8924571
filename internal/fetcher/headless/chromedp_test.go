package headless

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, cap(fetcher.limiter))
	assert.Equal(t, 500*time.Millisecond, fetcher.cfg.SettleDelay)
}

func TestFetcherNavTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	assert.Equal(t, defaultNavTimeout, fetcher.navTimeout(0))
	fetcher.cfg.NavigationTimeout = time.Second
	assert.Equal(t, time.Second, fetcher.navTimeout(0))
	assert.Equal(t, 3*time.Second, fetcher.navTimeout(3*time.Second), "request timeout wins")
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	assert.Len(t, src["X-Test"], 2, "source header mutated")
	assert.NotNil(t, cloneHeader(nil))

	netHeaders := toNetworkHeaders(src)
	v, ok := netHeaders["X-Test"].([]string)
	require.True(t, ok)
	assert.Len(t, v, 2)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type:    network.ResourceTypeDocument,
		FrameID: "main",
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		FrameID:  "iframe",
		Response: &network.Response{Status: 404, URL: "https://ads.example/frame"},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		FrameID:  "main",
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	status, headers, u := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 204, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, "https://example.com/rendered", u)

	meta = newResponseMeta()
	status, _, u = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", u)
}

func TestProxyServerStripsCredentials(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("socks5://user:pw@proxy.local:1080")
	require.NoError(t, err)
	assert.Equal(t, "socks5://proxy.local:1080", proxyServer(u))
	assert.Empty(t, proxyServer(nil))
}

func TestAllocatorCachedPerProxy(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)

	proxy, err := url.Parse("http://user:pw@proxy.local:3128")
	require.NoError(t, err)
	a := fetcher.allocatorFor(proxy)
	b := fetcher.allocatorFor(proxy)
	direct := fetcher.allocatorFor(nil)
	assert.Same(t, a, b)
	assert.NotSame(t, a, direct)
	assert.Len(t, fetcher.allocators, 2)
}
