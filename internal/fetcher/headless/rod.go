package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

const statusScript = `() => {
	try {
		const entries = performance.getEntriesByType("navigation");
		if (entries.length > 0) return entries[0].responseStatus || 0;
	} catch (e) {}
	return 0;
}`

// RodFetcher renders pages through go-rod with the stealth evasions injected
// before every navigation.
type RodFetcher struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger

	mu       sync.Mutex
	browsers map[string]*rodBrowser
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewRod creates a headless fetcher backed by go-rod.
func NewRod(cfg Config) (*RodFetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RodFetcher{
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
		browsers: make(map[string]*rodBrowser),
	}, nil
}

// Close disconnects every browser and kills the ones this fetcher launched.
func (f *RodFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, b := range f.browsers {
		if err := b.browser.Close(); err != nil {
			f.logger.Debug("close browser", zap.String("proxy", key), zap.Error(err))
		}
		if b.launcher != nil {
			b.launcher.Kill()
			b.launcher.Cleanup()
		}
		delete(f.browsers, key)
	}
}

// Fetch loads request.URL in a fresh stealth tab and returns the rendered DOM.
func (f *RodFetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.Proxy != nil && request.Proxy.User != nil {
		return crawler.FetchResponse{}, crawler.NewError(crawler.ErrorKindConfigInvalid, "rod fetch",
			fmt.Errorf("proxy credentials are not supported by the rod engine; use chromedp"))
	}
	if err := acquireSlot(ctx, f.limiter); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer releaseSlot(f.limiter)

	browser, err := f.browserFor(request.Proxy)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("open stealth page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			f.logger.Debug("close page", zap.Error(closeErr))
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, navTimeout(request.Timeout, f.cfg.NavigationTimeout))
	defer cancel()
	p := page.Context(navCtx)

	if err := f.prepare(p, request.Headers); err != nil {
		return crawler.FetchResponse{}, err
	}

	start := time.Now()
	if err := p.Navigate(request.URL); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("rod navigate: %w", err)
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		f.logger.Debug("dom did not settle, using current document", zap.String("url", request.URL), zap.Error(err))
	}

	html, err := p.HTML()
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("rod html: %w", err)
	}

	status := http.StatusOK
	if res, evalErr := p.Eval(statusScript); evalErr == nil {
		if code := res.Value.Int(); code > 0 {
			status = code
		}
	}
	finalURL := request.URL
	if res, evalErr := p.Eval(`() => window.location.href`); evalErr == nil {
		if loc := res.Value.Str(); loc != "" {
			finalURL = loc
		}
	}

	var shot []byte
	if request.Screenshot {
		shot, err = p.Screenshot(true, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
		if err != nil {
			f.logger.Warn("screenshot failed", zap.String("url", request.URL), zap.Error(err))
			shot = nil
		}
	}

	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      http.Header{},
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
		Screenshot:   shot,
	}, nil
}

func (f *RodFetcher) prepare(p *rod.Page, headers http.Header) error {
	headers = cloneHeader(headers)
	userAgent := f.cfg.UserAgent
	if ua := headers.Get("User-Agent"); ua != "" {
		userAgent = ua
		headers.Del("User-Agent")
	}
	if userAgent != "" {
		override := &proto.NetworkSetUserAgentOverride{UserAgent: userAgent}
		if lang := headers.Get("Accept-Language"); lang != "" {
			override.AcceptLanguage = lang
		}
		if err := p.SetUserAgent(override); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
	}
	if len(headers) == 0 {
		return nil
	}
	dict := make([]string, 0, len(headers)*2)
	for key := range headers {
		dict = append(dict, key, headers.Get(key))
	}
	if _, err := p.SetExtraHeaders(dict); err != nil {
		return fmt.Errorf("set extra headers: %w", err)
	}
	return nil
}

func (f *RodFetcher) browserFor(proxy *url.URL) (*rod.Browser, error) {
	key := proxyServer(proxy)
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.browsers[key]; ok {
		return b.browser, nil
	}

	entry := &rodBrowser{}
	controlURL := f.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(true).NoSandbox(true)
		if key != "" {
			l = l.Proxy(key)
		}
		l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
		l.Delete(flags.Flag("enable-automation"))
		l.Set(flags.Flag("disable-dev-shm-usage"))
		l.Set(flags.Flag("no-first-run"))
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
		entry.launcher = l
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if entry.launcher != nil {
			entry.launcher.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	entry.browser = browser
	f.browsers[key] = entry
	f.logger.Info("browser ready", zap.String("engine", "rod"), zap.Bool("proxied", key != ""))
	return browser, nil
}

func acquireSlot(ctx context.Context, limiter chan struct{}) error {
	if limiter == nil {
		return nil
	}
	select {
	case limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func releaseSlot(limiter chan struct{}) {
	if limiter == nil {
		return
	}
	select {
	case <-limiter:
	default:
	}
}

func navTimeout(requested, configured time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if configured > 0 {
		return configured
	}
	return defaultNavTimeout
}
