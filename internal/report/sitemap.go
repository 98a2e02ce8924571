package report

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

const sitemapNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	XMLNS   string     `xml:"xmlns,attr"`
	URLs    []urlEntry `xml:"url"`
}

type urlEntry struct {
	Loc string `xml:"loc"`
}

// sitemapMarkdown lists every page as a link, indented by depth. Failed
// pages are listed with their error kind.
func sitemapMarkdown(entries []entry) []byte {
	var b strings.Builder
	b.WriteString("# Sitemap\n\n")
	for _, e := range entries {
		r := e.result
		b.WriteString(strings.Repeat("  ", r.Depth))
		switch {
		case r.Failed():
			fmt.Fprintf(&b, "- %s (%s)\n", escapeMarkdown(r.URL), r.Err.Kind)
		default:
			fmt.Fprintf(&b, "- [%s](%s)\n", escapeMarkdown(pageTitle(r.Page, r.URL)), pageURL(r))
		}
	}
	return []byte(b.String())
}

// markdownEscaper neutralizes markup in page titles and URLs, including raw
// HTML, which scraped pages control.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, `[`, `\[`, `]`, `\]`, `*`, `\*`, `_`, `\_`, "`", "\\`",
	`<`, `\<`, `>`, `\>`, `&`, `\&`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// markdownToHTML renders md as a complete HTML page.
func markdownToHTML(md []byte, title string) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{
		Title: title,
		Flags: mdhtml.CommonFlags | mdhtml.CompletePage | mdhtml.HrefTargetBlank | mdhtml.SkipHTML,
	})
	return markdown.Render(p.Parse(md), renderer)
}

// sitemapXML lists each successfully fetched URL once.
func sitemapXML(entries []entry) ([]byte, error) {
	set := urlSet{XMLNS: sitemapNamespace}
	seen := map[string]struct{}{}
	for _, e := range entries {
		if e.result.Failed() {
			continue
		}
		loc := pageURL(e.result)
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		set.URLs = append(set.URLs, urlEntry{Loc: loc})
	}
	body, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
