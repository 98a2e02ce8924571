// Package cmd defines the batchscrape command line: a one-shot scrape that
// writes a report directory, and an HTTP server that runs batches on demand.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/app"
	"github.com/JakeFAU/batchscrape/internal/config"
	"github.com/JakeFAU/batchscrape/internal/logging"
)

// Exit codes returned by Execute.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// exitError carries a non-zero exit code out of a RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

type rootOptions struct {
	cfgFile  string
	logLevel string
}

// buildApp is swapped out in tests.
var buildApp = app.Build

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "batchscrape",
		Short: "Scrape batches of URLs into structured results.",
		Long: `batchscrape fetches a batch of URLs concurrently, extracts links, images,
metadata and text from each page, optionally follows same-site links and
downloads images, and reports one result per requested URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newScrapeCmd(opts))
	cmd.AddCommand(newServeCmd(opts))
	return cmd
}

// loadConfig reads the config file, environment and any flags already bound
// to v.
func (o *rootOptions) loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.LoadWith(v, o.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.NewWithLevel(cfg.Logging.Development, o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, newRootCmd(), os.Args[1:])
}

func run(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "error:", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
	return ExitFatal
}
