package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/policy/scope"
)

type frontier struct {
	depth int
	links []string
}

// crawl follows links breadth-first from root, stopping at req.Depth levels
// or req.MaxPages pages (root included). URLs already claimed anywhere in
// the batch are skipped. Once ctx is done no further pages are started.
func (w *Worker) crawl(
	ctx context.Context,
	index int,
	req crawler.ScrapeRequest,
	root crawler.PageResult,
	rootLinks []string,
) []crawler.PageResult {
	policy, err := scope.New(root.FinalURL)
	if err != nil {
		w.logger.Warn("recursion scope rejected root", zap.String("url", root.FinalURL), zap.Error(err))
		return nil
	}

	var children []crawler.PageResult
	pages := 1
	queue := []frontier{{depth: 0, links: rootLinks}}
	for len(queue) > 0 && pages < req.MaxPages {
		level := queue[0]
		queue = queue[1:]
		next := level.depth + 1
		for _, link := range level.links {
			if pages >= req.MaxPages {
				break
			}
			if ctx.Err() != nil {
				w.logger.Debug("recursion stopped by batch deadline", zap.String("root", req.URL), zap.Int("pages", pages))
				return children
			}
			if !policy.AllowFetch(link, next, req.Depth) || !w.deps.Visited.MarkIfNew(link) {
				continue
			}
			pages++
			child, links := w.fetchPage(ctx, index, next, len(children)+1, req, link)
			children = append(children, child)
			if !child.Failed() && next < req.Depth && len(links) > 0 {
				queue = append(queue, frontier{depth: next, links: links})
			}
		}
	}
	return children
}
