// Package report writes the artifacts of a finished batch to a directory:
// results.json, the HTML report, sitemaps and per-page files.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/storage/local"
)

const defaultParallel = 8

// Artifact names at the top of the output directory.
const (
	ResultsFile     = "results.json"
	ReportFile      = "report.html"
	SitemapMarkdown = "sitemap.md"
	SitemapHTML     = "sitemap.html"
	SitemapXML      = "sitemap.xml"
)

// Writer renders BatchResults into Dir.
type Writer struct {
	dir      string
	parallel int
	logger   *zap.Logger
}

// New builds a Writer. parallel bounds concurrent file writes.
func New(dir string, parallel int, logger *zap.Logger) *Writer {
	if parallel <= 0 {
		parallel = defaultParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{dir: dir, parallel: parallel, logger: logger}
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// entry is one fetched page, root or child, with its artifact key.
type entry struct {
	key    string
	result *crawler.PageResult
}

// flatten lists roots in input order, each followed by its children.
// Duplicate entries are listed without the children they copied.
func flatten(batch crawler.BatchResult) []entry {
	var out []entry
	for i := range batch.Results {
		root := &batch.Results[i]
		out = append(out, entry{key: crawler.ArtifactKey(root.Index, 0), result: root})
		if root.DuplicateOf != nil {
			continue
		}
		for c := range root.Children {
			out = append(out, entry{key: crawler.ArtifactKey(root.Index, c+1), result: &root.Children[c]})
		}
	}
	return out
}

// Write renders every artifact. All files are attempted; the first failure
// is returned as an IOFailure.
func (w *Writer) Write(ctx context.Context, batch crawler.BatchResult) error {
	start := time.Now()
	files, err := w.render(batch)
	if err != nil {
		return crawler.NewError(crawler.ErrorKindIOFailure, "render report", err)
	}

	var g errgroup.Group
	g.SetLimit(w.parallel)
	for name, data := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := local.WriteAtomic(filepath.Join(w.dir, name), data); err != nil {
				w.logger.Warn("report write failed", zap.String("file", name), zap.Error(err))
				return fmt.Errorf("write %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return crawler.NewError(crawler.ErrorKindIOFailure, "write report", err)
	}

	w.logger.Info("report written",
		zap.String("dir", w.dir),
		zap.Int("files", len(files)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// render builds the full file set in memory, keyed by relative name.
func (w *Writer) render(batch crawler.BatchResult) (map[string][]byte, error) {
	entries := flatten(batch)
	files := map[string][]byte{}

	results, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	files[ResultsFile] = results

	var report bytes.Buffer
	if err := renderReport(&report, batch, entries); err != nil {
		return nil, fmt.Errorf("render report.html: %w", err)
	}
	files[ReportFile] = report.Bytes()

	md := sitemapMarkdown(entries)
	files[SitemapMarkdown] = md
	files[SitemapHTML] = markdownToHTML(md, "Sitemap")

	xmlDoc, err := sitemapXML(entries)
	if err != nil {
		return nil, fmt.Errorf("render sitemap.xml: %w", err)
	}
	files[SitemapXML] = xmlDoc

	for _, e := range entries {
		pageFiles(files, e)
	}
	return files, nil
}

// pageFiles adds the per-page artifacts that have content.
func pageFiles(files map[string][]byte, e entry) {
	r := e.result
	if r.Failed() || r.DuplicateOf != nil {
		return
	}
	if len(r.RawContent) > 0 {
		files["page_"+e.key+".html"] = r.RawContent
	}
	if r.Page != nil {
		text := r.Page.Text
		if r.Page.MainText != "" {
			text = r.Page.MainText
		}
		files["text_"+e.key+".txt"] = []byte(text)
		if r.Page.Markdown != "" {
			files["page_"+e.key+".md"] = []byte(r.Page.Markdown)
		}
	}
	if len(r.Screenshot) > 0 {
		files["screenshot_"+e.key+".png"] = r.Screenshot
	}
}
