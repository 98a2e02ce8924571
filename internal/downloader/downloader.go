// Package downloader retrieves images referenced by extracted pages. Every
// image is isolated: one failure never stops the others.
package downloader

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/hash/sha256"
	"github.com/JakeFAU/batchscrape/internal/metrics"
	"github.com/JakeFAU/batchscrape/internal/storage/local"
)

const (
	defaultParallel = 4
	defaultTimeout  = 30000
	defaultExt      = ".img"
)

// URLFetcher is the resilient fetch front: retry, timeout and pacing.
type URLFetcher interface {
	Fetch(ctx context.Context, req crawler.ScrapeRequest) crawler.FetchOutcome
}

// Config controls download behavior.
type Config struct {
	// RetryCount is the number of extra attempts per image.
	RetryCount int
	TimeoutMs  int
	Parallel   int
	Proxy      string
}

// Downloader fetches images and writes them atomically.
type Downloader struct {
	fetcher URLFetcher
	cfg     Config
	logger  *zap.Logger
}

// New creates a Downloader.
func New(fetcher URLFetcher, cfg Config, logger *zap.Logger) *Downloader {
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = defaultTimeout
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = defaultParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Download fetches imageURL and writes it to destinationPath. When
// destinationPath has no extension one is derived from the response
// Content-Type or the URL path. Failures are reported in the record.
func (d *Downloader) Download(ctx context.Context, imageURL, destinationPath string) crawler.DownloadRecord {
	record := crawler.DownloadRecord{
		SourceImageURL:  imageURL,
		DestinationPath: destinationPath,
	}
	outcome := d.fetcher.Fetch(ctx, crawler.ScrapeRequest{
		URL:        imageURL,
		MaxPages:   1,
		Proxy:      d.cfg.Proxy,
		TimeoutMs:  d.cfg.TimeoutMs,
		RetryCount: d.cfg.RetryCount,
	})
	record.Attempts = outcome.Attempts
	if !outcome.OK() {
		record.ErrorKind = outcome.Failure.ErrorKind
		record.Message = outcome.Failure.Message
		metrics.ObserveDownload(false, 0)
		return record
	}

	body := outcome.Success.RawContent
	if filepath.Ext(destinationPath) == "" {
		destinationPath += extensionFor(detectContentType(outcome.Success.Headers, body), imageURL)
		record.DestinationPath = destinationPath
	}

	digest := sha256.NewStream()
	_, _ = digest.Write(body)

	if err := local.WriteAtomic(destinationPath, body); err != nil {
		record.ErrorKind = crawler.ErrorKindIOFailure
		record.Message = err.Error()
		d.logger.Warn("image write failed", zap.String("url", imageURL), zap.String("path", destinationPath), zap.Error(err))
		metrics.ObserveDownload(false, 0)
		return record
	}

	record.Success = true
	record.Bytes = digest.Len()
	record.ContentHash = digest.Sum()
	metrics.ObserveDownload(true, record.Bytes)
	return record
}

// DownloadAll fetches images into dir as image_<m><ext>, m counting from
// one, at most Parallel at a time. Records keep the order of images. Once ctx is done the remaining
// images are recorded as Cancelled without being requested.
func (d *Downloader) DownloadAll(ctx context.Context, images []string, dir string) []crawler.DownloadRecord {
	records := make([]crawler.DownloadRecord, len(images))
	sem := semaphore.NewWeighted(int64(d.cfg.Parallel))
	done := make(chan struct{}, len(images))
	started := 0

	for i, imageURL := range images {
		stem := filepath.Join(dir, fmt.Sprintf("image_%d", i+1))
		if ctx.Err() != nil {
			records[i] = cancelled(imageURL, stem)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			records[i] = cancelled(imageURL, stem)
			continue
		}
		started++
		go func(i int, imageURL, stem string) {
			defer func() {
				sem.Release(1)
				done <- struct{}{}
			}()
			records[i] = d.Download(ctx, imageURL, stem)
		}(i, imageURL, stem)
	}
	for range started {
		<-done
	}
	return records
}

func cancelled(imageURL, path string) crawler.DownloadRecord {
	metrics.ObserveDownload(false, 0)
	return crawler.DownloadRecord{
		SourceImageURL:  imageURL,
		DestinationPath: path,
		ErrorKind:       crawler.ErrorKindCancelled,
		Message:         "batch deadline reached before download",
	}
}

var contentTypeExt = map[string]string{
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
	"image/avif":    ".avif",
	"image/bmp":     ".bmp",
	"image/x-icon":  ".ico",
	"image/tiff":    ".tiff",
}

// extensionFor prefers the Content-Type, then the URL path.
func extensionFor(contentType, rawURL string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := contentTypeExt[strings.ToLower(mediaType)]; ok {
			return ext
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if len(ext) > 1 && len(ext) <= 6 {
			return ext
		}
	}
	return defaultExt
}

// detectContentType sniffs body bytes when the server sent no usable type.
func detectContentType(headers http.Header, body []byte) string {
	if ct := headers.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/octet-stream") {
		return ct
	}
	return http.DetectContentType(body)
}
