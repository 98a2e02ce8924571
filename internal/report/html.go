package report

import (
	"html/template"
	"io"
	"time"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Batch {{.BatchID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; vertical-align: top; }
tr.failed { background: #fdecea; }
.depth1 td:first-child { padding-left: 2em; }
.depth2 td:first-child { padding-left: 4em; }
</style>
</head>
<body>
<h1>Batch {{.BatchID}}</h1>
<p>Started {{.Started}}, finished in {{.Elapsed}}.
{{.Counts.Succeeded}} of {{.Counts.Total}} URLs succeeded, {{.Counts.Pages}} pages fetched.</p>
{{- if .Counts.ByKind}}
<ul>
{{- range $kind, $n := .Counts.ByKind}}
<li>{{$kind}}: {{$n}}</li>
{{- end}}
</ul>
{{- end}}
<table>
<tr><th>Key</th><th>URL</th><th>Status</th><th>Title</th><th>Bytes</th><th>Links</th><th>Images</th><th>Attempts</th><th>Notes</th></tr>
{{- range .Rows}}
<tr class="{{if .Failed}}failed {{end}}depth{{.Depth}}">
<td>{{.Key}}</td>
<td><a href="{{.URL}}">{{.URL}}</a></td>
<td>{{if .Status}}{{.Status}}{{end}}</td>
<td>{{.Title}}</td>
<td>{{.Bytes}}</td>
<td>{{.Links}}</td>
<td>{{.Images}}</td>
<td>{{.Attempts}}</td>
<td>{{.Note}}</td>
</tr>
{{- end}}
</table>
</body>
</html>
`))

type reportView struct {
	BatchID string
	Started string
	Elapsed time.Duration
	Counts  crawler.BatchCounts
	Rows    []reportRow
}

type reportRow struct {
	Key      string
	URL      string
	Depth    int
	Status   int
	Title    string
	Bytes    int
	Links    int
	Images   int
	Attempts int
	Failed   bool
	Note     string
}

func renderReport(w io.Writer, batch crawler.BatchResult, entries []entry) error {
	view := reportView{
		BatchID: batch.BatchID,
		Started: batch.StartedAt.UTC().Format(time.RFC3339),
		Elapsed: batch.FinishedAt.Sub(batch.StartedAt).Round(time.Millisecond),
		Counts:  batch.Counts(),
	}
	for _, e := range entries {
		view.Rows = append(view.Rows, newRow(e))
	}
	return reportTemplate.Execute(w, view)
}

func newRow(e entry) reportRow {
	r := e.result
	row := reportRow{
		Key:      e.key,
		URL:      r.URL,
		Depth:    min(r.Depth, 2),
		Status:   r.StatusCode,
		Bytes:    r.ContentLength,
		Attempts: r.Attempts,
		Failed:   r.Failed(),
	}
	switch {
	case r.Failed():
		row.Status = r.Err.StatusCode
		row.Note = string(r.Err.Kind) + ": " + r.Err.Message
	case r.DuplicateOf != nil:
		row.Note = "duplicate of " + crawler.ArtifactKey(*r.DuplicateOf, 0)
	case r.ParseError != "":
		row.Note = "parse failure: " + r.ParseError
	}
	if r.Page != nil {
		row.Title = r.Page.Title
		row.Links = len(r.Page.Links)
		row.Images = len(r.Page.Images)
	}
	return row
}

func pageTitle(page *crawler.ExtractedPage, fallback string) string {
	if page != nil && page.Title != "" {
		return page.Title
	}
	return fallback
}

func pageURL(r *crawler.PageResult) string {
	if r.FinalURL != "" {
		return r.FinalURL
	}
	return r.URL
}
