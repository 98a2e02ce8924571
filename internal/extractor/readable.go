package extractor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

// minReadableChars is the shortest article text accepted from readability;
// shorter results fall back to the whole document.
const minReadableChars = 50

// Readable is the main-content view of a page.
type Readable struct {
	Title    string
	Byline   string
	Excerpt  string
	MainText string
	Markdown string
}

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}

// ExtractReadable isolates the main article with readability and renders it
// as Markdown. When readability finds nothing usable the whole document is
// converted instead. Errors are ParseFailure.
func (e *Extractor) ExtractReadable(raw []byte, baseURL string) (Readable, error) {
	pageURL, err := url.Parse(baseURL)
	if err != nil || !pageURL.IsAbs() {
		if err == nil {
			err = fmt.Errorf("base url %q is not absolute", baseURL)
		}
		return Readable{}, crawler.NewError(crawler.ErrorKindParseFailure, "extract readable", err)
	}

	contentHTML := string(raw)
	var out Readable
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	switch {
	case err != nil:
		e.logger.Debug("readability failed, converting whole document", zap.String("url", baseURL), zap.Error(err))
	case len(strings.TrimSpace(article.TextContent)) < minReadableChars:
		e.logger.Debug("readability result too short, converting whole document", zap.String("url", baseURL))
	default:
		contentHTML = article.Content
		out.Title = article.Title
		out.Byline = article.Byline
		out.Excerpt = article.Excerpt
		out.MainText = strings.Join(strings.Fields(article.TextContent), " ")
	}

	md, err := e.markdown.ConvertString(contentHTML, converter.WithDomain(pageURL.Scheme+"://"+pageURL.Host))
	if err != nil {
		return out, crawler.NewError(crawler.ErrorKindParseFailure, "markdown", err)
	}
	out.Markdown = strings.TrimSpace(md)
	if out.MainText == "" {
		if doc, parseErr := parseDocument(raw); parseErr == nil {
			out.MainText = visibleText(doc)
		}
	}
	return out, nil
}
