package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/crawler"
	"github.com/JakeFAU/batchscrape/internal/report"
	"github.com/JakeFAU/batchscrape/internal/scraper"
)

const shutdownTimeout = 10 * time.Second

type scrapeOptions struct {
	file     string
	deadline time.Duration
}

// scrapeFlags maps command-line flags onto config keys.
var scrapeFlags = map[string]string{
	"out":             "scrape.output_dir",
	"depth":           "scrape.depth",
	"max-pages":       "scrape.max_pages",
	"proxy":           "scrape.proxy",
	"timeout-ms":      "scrape.timeout_ms",
	"retries":         "scrape.retry_count",
	"download-images": "scrape.download_images",
	"readable":        "scrape.extract_readable",
	"screenshots":     "scrape.screenshots",
	"concurrency":     "crawler.concurrency",
	"stealth":         "crawler.stealth",
	"headless":        "headless.engine",
	"always-headless": "headless.always",
}

func newScrapeCmd(root *rootOptions) *cobra.Command {
	opts := &scrapeOptions{}
	cmd := &cobra.Command{
		Use:   "scrape [url...]",
		Short: "Scrape a batch of URLs and write a report directory",
		Long: `Scrape fetches every URL given as an argument or listed in --file and
writes results.json, report.html, sitemaps and per-page artifacts to the
output directory.

Exit status is 0 when every URL succeeded, 2 when some failed and 1 when
the batch could not run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, root, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.file, "file", "", "file with one URL per line ('#' starts a comment)")
	f.DurationVar(&opts.deadline, "deadline", 0, "overall batch deadline (0 means none)")
	f.String("out", "", "output directory")
	f.Int("depth", 0, "link-following depth per URL")
	f.Int("max-pages", 0, "page budget per URL, including the URL itself")
	f.String("proxy", "", "proxy URL (http, https or socks5)")
	f.Int("timeout-ms", 0, "per-attempt timeout in milliseconds")
	f.Int("retries", 0, "extra attempts after a transient failure")
	f.Bool("download-images", false, "download every discovered image")
	f.Bool("readable", false, "extract main content and Markdown")
	f.Bool("screenshots", false, "capture screenshots of headless fetches")
	f.Int("concurrency", 0, "number of URLs scraped at once")
	f.Bool("stealth", false, "rotate browser identities and TLS fingerprints")
	f.String("headless", "", "headless engine: chromedp or rod")
	f.Bool("always-headless", false, "fetch every page with the headless engine")
	return cmd
}

func runScrape(cmd *cobra.Command, root *rootOptions, opts *scrapeOptions, args []string) error {
	urls, err := collectURLs(args, opts.file)
	if err != nil {
		return &exitError{code: ExitFatal, err: err}
	}

	v := viper.New()
	for flag, key := range scrapeFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return &exitError{code: ExitFatal, err: fmt.Errorf("bind flag %s: %w", flag, err)}
		}
	}
	cfg, err := root.loadConfig(v)
	if err != nil {
		return &exitError{code: ExitFatal, err: err}
	}
	logger, err := root.newLogger(cfg)
	if err != nil {
		return &exitError{code: ExitFatal, err: err}
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	application, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return &exitError{code: ExitFatal, err: fmt.Errorf("initialize: %w", err)}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if cerr := application.Close(closeCtx); cerr != nil {
			logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	reqs := make([]crawler.ScrapeRequest, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, cfg.Request(u))
	}

	batchCtx := ctx
	if opts.deadline > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, opts.deadline)
		defer cancel()
	}
	result, err := application.Scraper().BatchScrape(batchCtx, reqs)
	if err != nil {
		if scraper.IsFatal(err) {
			return &exitError{code: ExitFatal, err: err}
		}
		return &exitError{code: ExitFatal, err: fmt.Errorf("batch: %w", err)}
	}

	// Artifacts are written even after an interrupt so finished units survive.
	writer := report.New(cfg.Scrape.OutputDir, 0, logger.Named("report"))
	if err := writer.Write(context.WithoutCancel(ctx), result); err != nil {
		return &exitError{code: ExitFatal, err: fmt.Errorf("write report: %w", err)}
	}

	counts := result.Counts()
	fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d of %d URLs succeeded, %d pages; report at %s\n",
		result.BatchID, counts.Succeeded, counts.Total, counts.Pages,
		filepath.Join(writer.Dir(), report.ReportFile))
	if !result.Succeeded() {
		return &exitError{code: ExitPartial}
	}
	return nil
}

// collectURLs merges positional URLs with those read from path, keeping
// order and repeats.
func collectURLs(args []string, path string) ([]string, error) {
	urls := make([]string, 0, len(args))
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			urls = append(urls, a)
		}
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer func() { _ = f.Close() }()
		fromFile, err := readURLs(f)
		if err != nil {
			return nil, fmt.Errorf("read url file: %w", err)
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return nil, errors.New("no URLs given")
	}
	return urls, nil
}

func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}
