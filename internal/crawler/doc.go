// Package crawler defines the batch scraping domain: scrape requests, tagged
// fetch outcomes, extracted pages, batch results, the error taxonomy, and the
// interfaces the fetch, extract, download and orchestration subsystems share.
package crawler
