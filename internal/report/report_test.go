package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

func sampleBatch() crawler.BatchResult {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := 0
	root := crawler.PageResult{
		Index:         0,
		URL:           "https://site.com/",
		FinalURL:      "https://site.com/",
		StatusCode:    200,
		ContentLength: 42,
		Attempts:      1,
		RawContent:    []byte("<html><title>Home</title></html>"),
		Screenshot:    []byte{0x89, 'P', 'N', 'G'},
		Page: &crawler.ExtractedPage{
			SourceURL: "https://site.com/",
			Title:     "Home",
			Text:      "home text",
			Markdown:  "# Home",
			Links:     []string{"https://site.com/a"},
			Images:    []string{},
			Metadata:  map[string]string{"title": "Home"},
		},
		Children: []crawler.PageResult{{
			Index:      0,
			URL:        "https://site.com/a",
			Depth:      1,
			StatusCode: 200,
			RawContent: []byte("<p>a</p>"),
			Page:       &crawler.ExtractedPage{Title: "Page A", Text: "a", Links: []string{}, Images: []string{}},
		}},
	}
	dup := root
	dup.Index = 2
	dup.DuplicateOf = &first
	return crawler.BatchResult{
		BatchID:    "0190b3c2-5d1e-7000-8000-0000000000aa",
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Results: []crawler.PageResult{
			root,
			crawler.ErrorResult(1, "https://down.com/", crawler.ErrorKindTransient, "HTTP 503 Service Unavailable", 4),
			dup,
		},
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err, name)
	return string(data)
}

func TestWriteProducesArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, New(dir, 2, nil).Write(context.Background(), sampleBatch()))

	var decoded crawler.BatchResult
	require.NoError(t, json.Unmarshal([]byte(readFile(t, dir, ResultsFile)), &decoded))
	require.Len(t, decoded.Results, 3)
	assert.Equal(t, crawler.ErrorKindTransient, decoded.Results[1].Err.Kind)

	assert.Equal(t, "<html><title>Home</title></html>", readFile(t, dir, "page_1.html"))
	assert.Equal(t, "home text", readFile(t, dir, "text_1.txt"))
	assert.Equal(t, "# Home", readFile(t, dir, "page_1.md"))
	assert.Equal(t, "\x89PNG", readFile(t, dir, "screenshot_1.png"))
	assert.Equal(t, "<p>a</p>", readFile(t, dir, "page_1_1.html"))
	assert.Equal(t, "a", readFile(t, dir, "text_1_1.txt"))

	for _, absent := range []string{"page_2.html", "page_3.html", "page_1_1.md", "screenshot_1_1.png", "page_3_1.html"} {
		_, err := os.Stat(filepath.Join(dir, absent))
		assert.True(t, os.IsNotExist(err), absent)
	}
}

func TestSitemapMarkdownNestsByDepth(t *testing.T) {
	t.Parallel()

	md := string(sitemapMarkdown(flatten(sampleBatch())))
	assert.Equal(t, "# Sitemap\n\n"+
		"- [Home](https://site.com/)\n"+
		"  - [Page A](https://site.com/a)\n"+
		"- https://down.com/ (transient)\n"+
		"- [Home](https://site.com/)\n", md)
}

func TestSitemapHTMLAndXML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, New(dir, 0, nil).Write(context.Background(), sampleBatch()))

	html := readFile(t, dir, SitemapHTML)
	assert.Contains(t, html, "<title>Sitemap</title>")
	assert.Contains(t, html, `href="https://site.com/a"`)

	xmlDoc := readFile(t, dir, SitemapXML)
	assert.True(t, strings.HasPrefix(xmlDoc, "<?xml"))
	assert.Contains(t, xmlDoc, `xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"`)
	assert.Equal(t, 1, strings.Count(xmlDoc, "<loc>https://site.com/</loc>"))
	assert.Contains(t, xmlDoc, "<loc>https://site.com/a</loc>")
	assert.NotContains(t, xmlDoc, "down.com")
}

func TestReportHTMLSummarizesPages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, New(dir, 0, nil).Write(context.Background(), sampleBatch()))

	html := readFile(t, dir, ReportFile)
	assert.Contains(t, html, "Batch 0190b3c2-5d1e-7000-8000-0000000000aa")
	assert.Contains(t, html, "2 of 3 URLs succeeded")
	assert.Contains(t, html, "transient: HTTP 503 Service Unavailable")
	assert.Contains(t, html, "duplicate of 1")
	assert.Contains(t, html, "Page A")
}

func TestReportHTMLEscapesContent(t *testing.T) {
	t.Parallel()

	batch := sampleBatch()
	batch.Results[0].Page.Title = `<script>alert(1)</script>`
	dir := t.TempDir()
	require.NoError(t, New(dir, 0, nil).Write(context.Background(), batch))

	html := readFile(t, dir, ReportFile)
	assert.NotContains(t, html, "<script>alert(1)</script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestSitemapHTMLEscapesPageTitles(t *testing.T) {
	t.Parallel()

	batch := sampleBatch()
	batch.Results[0].Page.Title = `<script>alert(1)</script> & <img src=x onerror=alert(2)>`
	dir := t.TempDir()
	require.NoError(t, New(dir, 0, nil).Write(context.Background(), batch))

	md := readFile(t, dir, SitemapMarkdown)
	assert.Contains(t, md, `\<script\>`)

	html := readFile(t, dir, SitemapHTML)
	assert.NotContains(t, html, "<script>")
	assert.NotContains(t, html, "<img")
	assert.Contains(t, html, "&lt;script&gt;alert(1)&lt;/script&gt;")
	assert.Contains(t, html, `href="https://site.com/"`)
}

func TestWriteFailureIsIOFailure(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	blocker := filepath.Join(parent, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	err := New(filepath.Join(blocker, "out"), 0, nil).Write(context.Background(), sampleBatch())
	require.Error(t, err)
	kind, ok := crawler.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, crawler.ErrorKindIOFailure, kind)
}
