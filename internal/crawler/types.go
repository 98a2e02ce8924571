package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ScrapeRequest describes one caller-issued URL and its fetch budget.
type ScrapeRequest struct {
	URL        string `json:"url"`
	Depth      int    `json:"depth"`
	MaxPages   int    `json:"max_pages"`
	Proxy      string `json:"proxy,omitempty"`
	TimeoutMs  int    `json:"timeout_ms"`
	RetryCount int    `json:"retry_count"`
}

// Timeout converts TimeoutMs into a per-attempt duration.
func (r ScrapeRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Validate reports why the request cannot be issued. Unsupported URL schemes
// are NonTransient; every other problem is ConfigInvalid.
func (r ScrapeRequest) Validate() error {
	const op = "validate request"
	parsed, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil {
		return NewError(ErrorKindConfigInvalid, op, fmt.Errorf("parse url %q: %w", r.URL, err))
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return NewError(ErrorKindConfigInvalid, op, fmt.Errorf("url %q must be absolute", r.URL))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return NewError(ErrorKindNonTransient, op, fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}
	return r.ValidateOptions()
}

// ValidateOptions checks everything except the URL: the limits and the proxy.
// Callers that apply one set of options to many URLs check them once.
func (r ScrapeRequest) ValidateOptions() error {
	const op = "validate request"
	switch {
	case r.Depth < 0:
		return NewError(ErrorKindConfigInvalid, op, fmt.Errorf("depth must be >= 0, got %d", r.Depth))
	case r.MaxPages < 1:
		return NewError(ErrorKindConfigInvalid, op, fmt.Errorf("max pages must be >= 1, got %d", r.MaxPages))
	case r.TimeoutMs <= 0:
		return NewError(ErrorKindConfigInvalid, op, fmt.Errorf("timeout must be > 0, got %dms", r.TimeoutMs))
	case r.RetryCount < 0:
		return NewError(ErrorKindConfigInvalid, op, fmt.Errorf("retry count must be >= 0, got %d", r.RetryCount))
	}
	if _, err := ParseProxy(r.Proxy); err != nil {
		return err
	}
	return nil
}

// FetchRequest captures everything a backend needs to issue one attempt.
type FetchRequest struct {
	URL           string
	Headers       http.Header
	Proxy         *url.URL
	Timeout       time.Duration
	RespectRobots bool
	// Fingerprint asks HTTP backends to present a browser TLS fingerprint.
	Fingerprint bool
	Screenshot  bool
}

// FetchResponse is the result returned by a backend Fetcher implementation.
// StatusCode is populated for every HTTP status, including 4xx and 5xx.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	Screenshot   []byte
}

// FetchSuccess is the successful arm of a FetchOutcome.
type FetchSuccess struct {
	StatusCode   int
	RawContent   []byte
	FinalURL     string
	Headers      http.Header
	UsedHeadless bool
	Screenshot   []byte
}

// FetchFailure is the failed arm of a FetchOutcome.
type FetchFailure struct {
	ErrorKind    ErrorKind
	Message      string
	AttemptsMade int
	// StatusCode is the last HTTP status observed, zero when none arrived.
	StatusCode int
}

// FetchOutcome is the tagged result of one URL's attempt sequence. Exactly one
// of Success and Failure is non-nil.
type FetchOutcome struct {
	URL      string
	Success  *FetchSuccess
	Failure  *FetchFailure
	Attempts int
	Duration time.Duration
}

// Succeeded builds a success outcome.
func Succeeded(rawURL string, s FetchSuccess, attempts int, dur time.Duration) FetchOutcome {
	return FetchOutcome{URL: rawURL, Success: &s, Attempts: attempts, Duration: dur}
}

// Failed builds a failure outcome.
func Failed(rawURL string, kind ErrorKind, msg string, attempts int, dur time.Duration) FetchOutcome {
	return FetchOutcome{
		URL:      rawURL,
		Failure:  &FetchFailure{ErrorKind: kind, Message: msg, AttemptsMade: attempts},
		Attempts: attempts,
		Duration: dur,
	}
}

// OK reports whether the outcome is a success.
func (o FetchOutcome) OK() bool {
	return o.Success != nil
}

// ExtractedPage is the structured view of a fetched document.
type ExtractedPage struct {
	SourceURL string            `json:"source_url"`
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	Links     []string          `json:"links"`
	Images    []string          `json:"images"`
	Metadata  map[string]string `json:"metadata"`
	// MainText and Markdown are only set when readable extraction runs.
	MainText string `json:"main_text,omitempty"`
	Markdown string `json:"-"`
}

// DownloadRecord reports the outcome of one image download.
type DownloadRecord struct {
	SourceImageURL  string    `json:"source_image_url"`
	DestinationPath string    `json:"destination_path"`
	Success         bool      `json:"success"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	Message         string    `json:"message,omitempty"`
	Bytes           int64     `json:"bytes,omitempty"`
	ContentHash     string    `json:"content_hash,omitempty"`
	Attempts        int       `json:"attempts"`
}

// ErrorRecord is the failed form of a BatchResult entry.
type ErrorRecord struct {
	URL          string    `json:"url"`
	Kind         ErrorKind `json:"error_kind"`
	Message      string    `json:"message"`
	AttemptsMade int       `json:"attempts_made"`
	StatusCode   int       `json:"status_code,omitempty"`
}

// PageResult is one BatchResult entry. Page is set on success, Err on failure.
type PageResult struct {
	Index         int              `json:"index"`
	URL           string           `json:"url"`
	Depth         int              `json:"depth"`
	Page          *ExtractedPage   `json:"page,omitempty"`
	StatusCode    int              `json:"status_code,omitempty"`
	FinalURL      string           `json:"final_url,omitempty"`
	ContentLength int              `json:"content_length"`
	ContentHash   string           `json:"content_hash,omitempty"`
	ElapsedMs     int64            `json:"elapsed_ms"`
	Attempts      int              `json:"attempts"`
	UsedHeadless  bool             `json:"used_headless,omitempty"`
	ParseError    string           `json:"parse_error,omitempty"`
	Downloads     []DownloadRecord `json:"downloads,omitempty"`
	Children      []PageResult     `json:"children,omitempty"`
	DuplicateOf   *int             `json:"duplicate_of,omitempty"`
	Err           *ErrorRecord     `json:"error,omitempty"`

	RawContent []byte `json:"-"`
	Screenshot []byte `json:"-"`
}

// Failed reports whether the entry is an error record.
func (r PageResult) Failed() bool {
	return r.Err != nil
}

// ErrorResult builds an error entry for the given input slot.
func ErrorResult(index int, rawURL string, kind ErrorKind, msg string, attempts int) PageResult {
	return PageResult{
		Index:    index,
		URL:      rawURL,
		Attempts: attempts,
		Err: &ErrorRecord{
			URL:          rawURL,
			Kind:         kind,
			Message:      msg,
			AttemptsMade: attempts,
		},
	}
}

// BatchResult aggregates one batch, ordered by input position.
type BatchResult struct {
	BatchID    string       `json:"batch_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []PageResult `json:"results"`
}

// Succeeded is true only when every requested URL produced a non-error entry.
func (b BatchResult) Succeeded() bool {
	for _, r := range b.Results {
		if r.Failed() {
			return false
		}
	}
	return true
}

// BatchCounts is the partial-success breakdown of a batch.
type BatchCounts struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Pages     int               `json:"pages"`
	ByKind    map[ErrorKind]int `json:"by_kind,omitempty"`
}

// Counts tallies top-level entries by outcome; Pages includes recursed children.
func (b BatchResult) Counts() BatchCounts {
	counts := BatchCounts{Total: len(b.Results), ByKind: map[ErrorKind]int{}}
	for _, r := range b.Results {
		if r.Failed() {
			counts.Failed++
			counts.ByKind[r.Err.Kind]++
			continue
		}
		counts.Succeeded++
		counts.Pages += 1 + len(r.Children)
	}
	return counts
}

// PageRecord is persisted for each fetched page when a PageStore is configured.
type PageRecord struct {
	BatchID      string      `json:"batch_id"`
	URL          string      `json:"url"`
	FinalURL     string      `json:"final_url"`
	Depth        int         `json:"depth"`
	StatusCode   int         `json:"status_code"`
	UsedHeadless bool        `json:"used_headless"`
	FetchedAt    time.Time   `json:"fetched_at"`
	DurationMs   int64       `json:"duration_ms"`
	ContentHash  string      `json:"content_hash"`
	Headers      http.Header `json:"headers"`
	BlobURI      string      `json:"blob_uri"`
	Title        string      `json:"title"`
	LinkCount    int         `json:"link_count"`
	ImageCount   int         `json:"image_count"`
	ErrorKind    ErrorKind   `json:"error_kind,omitempty"`
}

// WorkItem is a queued unit tagged with its input position.
type WorkItem struct {
	Index   int
	Request ScrapeRequest
}

// ArtifactKey names the per-page output files of a result. Keys count from
// one: "3" for input index 2 and "3_2" for the second page recursion reached
// from it.
func ArtifactKey(index, child int) string {
	key := strconv.Itoa(index + 1)
	if child <= 0 {
		return key
	}
	return key + "_" + strconv.Itoa(child)
}
