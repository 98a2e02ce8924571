package extractor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

func TestExtractLinksDropsDuplicatesAndNonHTTP(t *testing.T) {
	t.Parallel()

	raw := `<html><body>
		<a href="/x">one</a>
		<a href="mailto:someone@site.com">mail</a>
		<a href="/x">again</a>
	</body></html>`

	page, err := New(nil).Extract([]byte(raw), "https://site.com/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.com/x"}, page.Links)
}

func TestExtractLinksResolution(t *testing.T) {
	t.Parallel()

	raw := `<html><head><base href="/docs/"></head><body>
		<a href="intro#top">intro</a>
		<a href="intro">intro again</a>
		<a href="javascript:void(0)">js</a>
		<a href="#local">local</a>
		<a href="tel:+123">tel</a>
		<map><area href="https://other.com/area" /></map>
		<a href="//cdn.site.com/file">proto relative</a>
		<a href="">empty</a>
	</body></html>`

	page, err := New(nil).Extract([]byte(raw), "https://site.com/start")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://site.com/docs/intro",
		"https://other.com/area",
		"https://cdn.site.com/file",
	}, page.Links)
}

func TestExtractImages(t *testing.T) {
	t.Parallel()

	raw := `<html><head>
		<meta property="og:image" content="/social.png">
	</head><body>
		<img src="/a.png" alt="a">
		<img data-src="/lazy.png" src="data:image/gif;base64,R0lGOD">
		<img data-lazy-src="b.jpg" data-original="/orig.jpg">
		<img srcset="/s1.png 1x, /s2.png 2x" src="/a.png">
		<img data-srcset="/d1.png 480w,/d2.png 800w">
		<picture><source srcset="/p.webp 1x, /p2.webp 2x"><img src="/p.jpg"></picture>
	</body></html>`

	page, err := New(nil).Extract([]byte(raw), "https://site.com/gallery/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://site.com/a.png",
		"https://site.com/lazy.png",
		"https://site.com/gallery/b.jpg",
		"https://site.com/orig.jpg",
		"https://site.com/s1.png",
		"https://site.com/s2.png",
		"https://site.com/d1.png",
		"https://site.com/d2.png",
		"https://site.com/p.webp",
		"https://site.com/p2.webp",
		"https://site.com/p.jpg",
		"https://site.com/social.png",
	}, page.Images)
}

func TestExtractMetadata(t *testing.T) {
	t.Parallel()

	raw := `<!doctype html><html lang="en"><head>
		<meta charset="UTF-8">
		<title> Example Page </title>
		<meta name="description" content="A page">
		<meta name="keywords" content="a, b">
		<meta name="viewport" content="width=device-width">
		<meta property="og:title" content="OG Title">
		<meta property="og:site_name" content="Example">
		<meta name="twitter:card" content="summary">
		<meta name="author" content="">
		<meta name="unrelated" content="ignored">
		<link rel="canonical" href="/canonical">
	</head><body><p>hi</p></body></html>`

	page, err := New(nil).Extract([]byte(raw), "https://site.com/page?x=1")
	require.NoError(t, err)
	assert.Equal(t, "Example Page", page.Title)
	assert.Equal(t, map[string]string{
		"title":        "Example Page",
		"description":  "A page",
		"keywords":     "a, b",
		"viewport":     "width=device-width",
		"og:title":     "OG Title",
		"og:site_name": "Example",
		"twitter:card": "summary",
		"canonical":    "https://site.com/canonical",
		"lang":         "en",
		"charset":      "utf-8",
	}, page.Metadata)
	_, hasAuthor := page.Metadata["author"]
	assert.False(t, hasAuthor, "empty fields are omitted")
}

func TestExtractTextSkipsNonRendered(t *testing.T) {
	t.Parallel()

	raw := `<html><head><title>T</title><style>p{}</style></head><body>
		<script>var hidden = 1;</script>
		<p>Hello</p><p>world</p>
		<noscript>enable js</noscript>
		<template><p>tmpl</p></template>
		<!-- comment -->
		<div>  spaced
		   out </div>
	</body></html>`

	page, err := New(nil).Extract([]byte(raw), "https://site.com/")
	require.NoError(t, err)
	assert.Equal(t, "Hello world spaced out", page.Text)
}

func TestExtractToleratesMalformedMarkup(t *testing.T) {
	t.Parallel()

	raw := `<html><body><div><p>open <a href="/a">link<img src="/i.png"><p>unterminated <b>bold`
	page, err := New(nil).Extract([]byte(raw), "https://site.com/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.com/a"}, page.Links)
	assert.Equal(t, []string{"https://site.com/i.png"}, page.Images)
	assert.Contains(t, page.Text, "unterminated bold")
}

func TestExtractIsIdempotent(t *testing.T) {
	t.Parallel()

	raw := []byte(`<html><head><title>x</title><meta name="robots" content="index"></head>
		<body><a href="/b">b</a><a href="/a">a</a><img srcset="/1.png 1x, /2.png 2x"><p>text</p></body></html>`)
	e := New(nil)
	first, err := e.Extract(raw, "https://site.com/")
	require.NoError(t, err)
	second, err := e.Extract(raw, "https://site.com/")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestExtractInvalidBaseIsParseFailure(t *testing.T) {
	t.Parallel()

	page, err := New(nil).Extract([]byte("<p>x</p>"), "relative/path")
	require.Error(t, err)
	kind, ok := crawler.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, crawler.ErrorKindParseFailure, kind)
	assert.NotNil(t, page.Links)
	assert.NotNil(t, page.Images)
	assert.NotNil(t, page.Metadata)
	assert.Equal(t, "relative/path", page.SourceURL)
}

func TestExtractDecodesLegacyCharset(t *testing.T) {
	t.Parallel()

	// "café" in ISO-8859-1.
	raw := append([]byte(`<html><head><meta charset="iso-8859-1"></head><body><p>caf`), 0xE9, '<', '/', 'p', '>')
	page, err := New(nil).Extract(raw, "https://site.com/")
	require.NoError(t, err)
	assert.Equal(t, "café", page.Text)
}

func TestSrcsetURLs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"/a.png", "/b.png"}, srcsetURLs(" /a.png 1x ,, /b.png 2x "))
	assert.Empty(t, srcsetURLs(""))
}

func TestExtractReadable(t *testing.T) {
	t.Parallel()

	article := strings.Repeat("<p>The quick brown fox jumps over the lazy dog near the riverbank. </p>", 12)
	raw := `<html><head><title>Story</title></head><body>
		<nav><a href="/home">Home</a></nav>
		<article><h1>Story</h1>` + article + `<a href="/more">more</a></article>
		<footer>footer text</footer>
	</body></html>`

	readable, err := New(nil).ExtractReadable([]byte(raw), "https://site.com/story")
	require.NoError(t, err)
	assert.Contains(t, readable.MainText, "quick brown fox")
	assert.Contains(t, readable.Markdown, "quick brown fox")
	assert.Contains(t, readable.Markdown, "https://site.com/more")
}

func TestExtractReadableFallsBackForThinPages(t *testing.T) {
	t.Parallel()

	readable, err := New(nil).ExtractReadable([]byte(`<html><body><p>tiny</p></body></html>`), "https://site.com/")
	require.NoError(t, err)
	assert.Equal(t, "tiny", readable.MainText)
	assert.Contains(t, readable.Markdown, "tiny")
}
