// Package extractor turns fetched markup into an ExtractedPage: absolute,
// de-duplicated links and images, fixed metadata fields and visible text.
// Malformed markup never fails extraction.
package extractor

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

// metaNames are read from <meta name=...>.
var metaNames = []string{
	"description", "keywords", "author", "robots", "generator", "viewport",
}

// socialNames are read from <meta property=...> or <meta name=...>.
var socialNames = []string{
	"og:title", "og:description", "og:type", "og:url", "og:image", "og:site_name",
	"twitter:card", "twitter:title", "twitter:description", "twitter:image",
}

var lazyImageAttrs = []string{"src", "data-src", "data-lazy-src", "data-original"}

// Extractor is safe for concurrent use.
type Extractor struct {
	markdown *converter.Converter
	logger   *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		markdown: newMarkdownConverter(),
		logger:   logger,
	}
}

// Extract parses raw against baseURL, which should be the post-redirect URL.
// The only error is a ParseFailure, returned alongside an empty page.
func (e *Extractor) Extract(raw []byte, baseURL string) (crawler.ExtractedPage, error) {
	page := emptyPage(baseURL)
	base, err := url.Parse(baseURL)
	if err != nil || !base.IsAbs() {
		if err == nil {
			err = fmt.Errorf("base url %q is not absolute", baseURL)
		}
		return page, crawler.NewError(crawler.ErrorKindParseFailure, "extract", err)
	}

	doc, err := parseDocument(raw)
	if err != nil {
		e.logger.Debug("parse failed", zap.String("url", baseURL), zap.Error(err))
		return page, crawler.NewError(crawler.ErrorKindParseFailure, "extract", err)
	}

	base = documentBase(doc, base)
	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	page.Links = extractLinks(doc, base)
	page.Images = extractImages(doc, base)
	page.Metadata = extractMetadata(doc, base, page.Title)
	page.Text = visibleText(doc)
	return page, nil
}

func emptyPage(sourceURL string) crawler.ExtractedPage {
	return crawler.ExtractedPage{
		SourceURL: sourceURL,
		Links:     []string{},
		Images:    []string{},
		Metadata:  map[string]string{},
	}
}

// parseDocument decodes legacy charsets before handing the bytes to goquery.
func parseDocument(raw []byte) (*goquery.Document, error) {
	var r io.Reader = bytes.NewReader(raw)
	if !utf8.Valid(raw) {
		decoded, err := charset.NewReader(r, "")
		if err == nil {
			r = decoded
		} else {
			r = bytes.NewReader(raw)
		}
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// documentBase honours <base href>, itself resolved against the page URL.
func documentBase(doc *goquery.Document, pageURL *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return pageURL
	}
	resolved, err := pageURL.Parse(strings.TrimSpace(href))
	if err != nil {
		return pageURL
	}
	return resolved
}

// resolve returns the absolute http(s) form of ref without its fragment.
func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// orderedSet keeps first-seen order.
type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), items: []string{}}
}

func (s *orderedSet) add(v string) {
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	links := newOrderedSet()
	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs, ok := resolve(base, href); ok {
			links.add(abs)
		}
	})
	return links.items
}

func extractImages(doc *goquery.Document, base *url.URL) []string {
	images := newOrderedSet()
	addRef := func(ref string) {
		if abs, ok := resolve(base, ref); ok {
			images.add(abs)
		}
	}

	doc.Find("img, picture source[srcset]").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "img" {
			for _, attr := range lazyImageAttrs {
				if v, ok := s.Attr(attr); ok {
					addRef(v)
				}
			}
		}
		for _, attr := range []string{"srcset", "data-srcset"} {
			if v, ok := s.Attr(attr); ok {
				for _, candidate := range srcsetURLs(v) {
					addRef(candidate)
				}
			}
		}
	})

	doc.Find(`meta[property="og:image"], meta[name="og:image"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok {
			addRef(v)
		}
	})
	return images.items
}

// srcsetURLs returns the URL of every candidate in a srcset value.
func srcsetURLs(srcset string) []string {
	var urls []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		urls = append(urls, fields[0])
	}
	return urls
}

func extractMetadata(doc *goquery.Document, base *url.URL, title string) map[string]string {
	meta := map[string]string{}
	set := func(key, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if _, exists := meta[key]; !exists {
			meta[key] = value
		}
	}

	set("title", title)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		if name, ok := s.Attr("name"); ok {
			key := strings.ToLower(strings.TrimSpace(name))
			if contains(metaNames, key) || contains(socialNames, key) {
				set(key, content)
			}
		}
		if prop, ok := s.Attr("property"); ok {
			key := strings.ToLower(strings.TrimSpace(prop))
			if contains(socialNames, key) {
				set(key, content)
			}
		}
		if cs, ok := s.Attr("charset"); ok {
			set("charset", strings.ToLower(cs))
		}
		if equiv, ok := s.Attr("http-equiv"); ok && strings.EqualFold(equiv, "content-type") {
			if idx := strings.Index(strings.ToLower(content), "charset="); idx >= 0 {
				set("charset", strings.ToLower(strings.Trim(content[idx+len("charset="):], `"' ;`)))
			}
		}
	})

	if href, ok := doc.Find(`link[rel~="canonical"]`).First().Attr("href"); ok {
		if abs, resolved := resolve(base, href); resolved {
			set("canonical", abs)
		}
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		set("lang", lang)
	}
	return meta
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// visibleText joins the document's text nodes with single spaces, skipping
// non-rendered elements.
func visibleText(doc *goquery.Document) string {
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	var b strings.Builder
	for _, n := range root.Nodes {
		collectText(n, &b)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "template", "head":
			return
		}
	case html.CommentNode:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
