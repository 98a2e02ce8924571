package worker

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

const (
	pageContentType = "text/html; charset=utf-8"
	persistTimeout  = 15 * time.Second
)

// persist hashes the body and feeds the optional write-only sinks. Sink
// failures are logged and never fail the unit. Writes run on a context
// detached from the batch deadline so a finished page is still recorded.
func (w *Worker) persist(ctx context.Context, res *crawler.PageResult, headers http.Header) {
	if w.deps.Hasher != nil {
		hash, err := w.deps.Hasher.Hash(res.RawContent)
		if err != nil {
			w.logger.Warn("hash body failed", zap.String("url", res.URL), zap.Error(err))
		}
		res.ContentHash = hash
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var uri string
	if w.deps.Blobs != nil {
		var err error
		uri, err = w.deps.Blobs.PutObject(writeCtx, w.blobPath(res), pageContentType, res.RawContent)
		if err != nil {
			w.logger.Warn("store page blob failed", zap.String("url", res.URL), zap.Error(err))
		}
	}

	if w.deps.Pages != nil {
		if err := w.deps.Pages.SavePage(writeCtx, w.pageRecord(res, headers, uri)); err != nil {
			w.logger.Warn("save page record failed", zap.String("url", res.URL), zap.Error(err))
		}
	}

	if w.deps.Publisher != nil && w.cfg.Topic != "" {
		if err := w.publish(writeCtx, res, uri); err != nil {
			w.logger.Warn("publish page failed", zap.String("url", res.URL), zap.Error(err))
		}
	}
}

func (w *Worker) blobPath(res *crawler.PageResult) string {
	name := fmt.Sprintf("%s/%s.html", w.cfg.BatchID, res.ContentHash)
	if res.ContentHash == "" {
		name = fmt.Sprintf("%s/page_%d_%d.html", w.cfg.BatchID, res.Index, res.Depth)
	}
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func (w *Worker) pageRecord(res *crawler.PageResult, headers http.Header, uri string) crawler.PageRecord {
	rec := crawler.PageRecord{
		BatchID:      w.cfg.BatchID,
		URL:          res.URL,
		FinalURL:     res.FinalURL,
		Depth:        res.Depth,
		StatusCode:   res.StatusCode,
		UsedHeadless: res.UsedHeadless,
		FetchedAt:    w.now(),
		DurationMs:   res.ElapsedMs,
		ContentHash:  res.ContentHash,
		Headers:      headers,
		BlobURI:      uri,
	}
	if res.Page != nil {
		rec.Title = res.Page.Title
		rec.LinkCount = len(res.Page.Links)
		rec.ImageCount = len(res.Page.Images)
	}
	if res.ParseError != "" {
		rec.ErrorKind = crawler.ErrorKindParseFailure
	}
	return rec
}

func (w *Worker) publish(ctx context.Context, res *crawler.PageResult, uri string) error {
	payload := map[string]any{
		"batch_id":  w.cfg.BatchID,
		"url":       res.URL,
		"final_url": res.FinalURL,
		"depth":     res.Depth,
		"status":    res.StatusCode,
		"hash":      res.ContentHash,
		"blob_uri":  uri,
		"headless":  res.UsedHeadless,
		"timestamp": w.now().Format(time.RFC3339),
	}
	if res.Page != nil {
		payload["title"] = res.Page.Title
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload)
	if err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	w.logger.Debug("page published", zap.String("url", res.URL), zap.String("message_id", id))
	return nil
}
