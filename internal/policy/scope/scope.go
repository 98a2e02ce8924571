// Package scope decides which discovered links a recursive crawl may follow.
package scope

import (
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

var binaryExtensions = map[string]struct{}{
	".7z": {}, ".avi": {}, ".bmp": {}, ".css": {}, ".dmg": {}, ".doc": {}, ".docx": {},
	".exe": {}, ".gif": {}, ".gz": {}, ".ico": {}, ".iso": {}, ".jpeg": {}, ".jpg": {},
	".js": {}, ".mov": {}, ".mp3": {}, ".mp4": {}, ".pdf": {}, ".png": {}, ".ppt": {},
	".pptx": {}, ".rar": {}, ".svg": {}, ".tar": {}, ".tgz": {}, ".wav": {}, ".webm": {},
	".webp": {}, ".woff": {}, ".woff2": {}, ".xls": {}, ".xlsx": {}, ".zip": {},
}

// Policy keeps recursion on the root's host and away from non-page assets.
type Policy struct {
	root *url.URL
}

// New creates a Policy rooted at rootURL.
func New(rootURL string) (*Policy, error) {
	u, err := url.Parse(rootURL)
	if err != nil {
		return nil, crawler.NewError(crawler.ErrorKindConfigInvalid, "scope root", err)
	}
	return &Policy{root: u}, nil
}

// AllowFetch reports whether candidate may be fetched at the given depth.
func (p *Policy) AllowFetch(candidate string, depth, maxDepth int) bool {
	if depth > maxDepth {
		return false
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !crawler.SameHost(candidate, p.root.String()) {
		return false
	}
	_, binary := binaryExtensions[strings.ToLower(path.Ext(u.Path))]
	return !binary
}
