// Package cmd defines and implements the CLI commands for the hcw-crawler
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jdevroede/hcw-crawler/internal/config"
	"github.com/jdevroede/hcw-crawler/internal/extract"
	"github.com/jdevroede/hcw-crawler/internal/fetch"
	"github.com/jdevroede/hcw-crawler/internal/logging"
	"github.com/jdevroede/hcw-crawler/internal/store"
	"github.com/jdevroede/hcw-crawler/internal/sweep"
)

var cfgFile string

// services bundles everything a command needs once configuration is loaded.
type services struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *store.DedupStore
	tracker *sweep.Tracker
	orch    *sweep.Orchestrator
}

func (s *services) close() {
	if s.store != nil {
		s.store.Close()
	}
	_ = s.logger.Sync()
}

// buildServices loads config and wires the fetch → extract → store pipeline.
func buildServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := store.New(ctx, store.Config{
		DSN:      cfg.Database.DSN,
		Table:    cfg.Database.Table,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	fetcher := fetch.New(fetch.Config{
		RelayBaseURL:   cfg.Fetch.RelayBaseURL,
		SearchBaseURL:  cfg.Fetch.SearchBaseURL,
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptLanguage: cfg.Fetch.AcceptLanguage,
		LanguageCookie: cfg.Fetch.LanguageCookie,
		Timeout:        cfg.FetchTimeout(),
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		Backoff:        cfg.FetchBackoff(),
	}, nil, logger)

	tracker := sweep.NewTracker(nil)
	crawler := sweep.NewPartitionCrawler(
		fetcher, extract.New(logger), st, nil, tracker, logger)
	orch := sweep.NewOrchestrator(crawler, st, tracker, nil, logger)

	return &services{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		tracker: tracker,
		orch:    orch,
	}, nil
}

// sweepConfig translates the loaded configuration into sweep options,
// applying the postal-code override when the flag was given.
func sweepConfig(cfg config.Config, postalCodes []string) sweep.Config {
	keys := cfg.Sweep.PostalCodes
	if len(postalCodes) > 0 {
		keys = postalCodes
	}
	return sweep.Config{
		PartitionKeys:            keys,
		MaxPagesPerPartition:     cfg.Sweep.MaxPagesPerCode,
		MaxConsecutiveEmptyPages: cfg.Sweep.MaxConsecutiveEmpty,
		IncludeUnknownPass:       cfg.Sweep.IncludeUnknownPass,
		UnknownPassMaxPages:      cfg.Sweep.UnknownPassMaxPages,
		PagePause:                cfg.PagePause(),
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hcw-crawler",
		Short: "Incremental crawler for the healthcare-worker directory",
		Long: `hcw-crawler sweeps the public healthcare-worker directory one postal
code at a time, deduplicates what it finds, and persists the records to
Postgres. Pages are fetched through a local relay to keep request volume
polite and observable.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults + HCW_* env)")

	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newExportCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
