package sweep

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jdevroede/hcw-crawler/internal/clock"
	"github.com/jdevroede/hcw-crawler/internal/record"
)

// UnknownPartition is the synthetic key for the pass that captures records
// without a known work address.
const UnknownPartition = "UNKNOWN"

// unknownLocationValue is what the search endpoint expects for the synthetic
// partition.
const unknownLocationValue = "0"

// noAddressPhrase mirrors the extractor's no-known-address marker; the
// unknown pass filters on it before upserting.
const noAddressPhrase = "geen hoofdwerkadres"

// ErrNoPartitions is fatal to a sweep and reported before any network
// activity.
var ErrNoPartitions = errors.New("no valid partition keys supplied")

var partitionKeyRe = regexp.MustCompile(`^\d{4}$`)

// Config holds the recognized sweep options.
type Config struct {
	PartitionKeys            []string
	MaxPagesPerPartition     int
	MaxConsecutiveEmptyPages int
	IncludeUnknownPass       bool
	UnknownPassMaxPages      int
	PagePause                time.Duration
}

// Report aggregates a finished sweep.
type Report struct {
	Partitions          map[string]PartitionMetrics `json:"partitions"`
	DistinctIdentifiers int64                       `json:"distinct_identifiers"`
	Cancelled           bool                        `json:"cancelled"`
	RowsDeduplicated    int64                       `json:"rows_deduplicated"`
	Elapsed             time.Duration               `json:"elapsed_ns"`
}

// SweepStore is the store surface the orchestrator owns for the duration of
// a sweep.
type SweepStore interface {
	RecordStore
	PreloadSignatures(ctx context.Context) (int, error)
	Deduplicate(ctx context.Context) (int64, error)
	DistinctIdentifiers(ctx context.Context) (int64, error)
}

// Orchestrator iterates partition keys, running one PartitionCrawler per key
// plus the optional unknown-address pass, then a final duplicate purge.
type Orchestrator struct {
	crawler *PartitionCrawler
	store   SweepStore
	tracker *Tracker
	clk     clock.Clock
	logger  *zap.Logger
}

// NewOrchestrator wires a sweep. Nil clock/logger fall back to the system
// clock and a no-op logger; the tracker may be nil.
func NewOrchestrator(
	crawler *PartitionCrawler,
	store SweepStore,
	tracker *Tracker,
	clk clock.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		crawler: crawler,
		store:   store,
		tracker: tracker,
		clk:     clk,
		logger:  logger,
	}
}

// ValidatePartitionKeys trims, validates (4 digits, >= 1000), and
// deduplicates partition keys while preserving caller order. An empty result
// is ErrNoPartitions.
func ValidatePartitionKeys(keys []string) ([]string, error) {
	seen := make(map[string]struct{}, len(keys))
	valid := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if !partitionKeyRe.MatchString(key) {
			continue
		}
		if n, err := strconv.Atoi(key); err != nil || n < 1000 {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		valid = append(valid, key)
	}
	if len(valid) == 0 {
		return nil, ErrNoPartitions
	}
	return valid, nil
}

// Run executes one full sweep. The cancellation signal is checked before
// each partition; once observed, no further partition is started, but the
// final duplicate purge still runs so a cancelled sweep leaves the table
// clean.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (Report, error) {
	started := o.clk.Now()
	keys, err := ValidatePartitionKeys(cfg.PartitionKeys)
	if err != nil {
		return Report{}, err
	}

	preloaded, err := o.store.PreloadSignatures(ctx)
	if err != nil {
		return Report{}, err
	}
	o.logger.Info("sweep starting",
		zap.Strings("partitions", keys),
		zap.Int("preloaded_signatures", preloaded),
		zap.Bool("include_unknown_pass", cfg.IncludeUnknownPass))

	report := Report{Partitions: make(map[string]PartitionMetrics, len(keys)+1)}
	opts := CrawlOptions{
		MaxPages:  cfg.MaxPagesPerPartition,
		MaxEmpty:  cfg.MaxConsecutiveEmptyPages,
		PagePause: cfg.PagePause,
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			o.logger.Info("cancellation observed before next partition",
				zap.String("partition", key))
			report.Cancelled = true
			break
		}
		o.tracker.StartPartition(key)
		m := o.crawler.Crawl(ctx, key, opts)
		report.Partitions[key] = m
		o.tracker.FinishPartition(key, m)
		if m.StoppedReason == StopCancelled {
			report.Cancelled = true
		}
	}

	if cfg.IncludeUnknownPass && !report.Cancelled && ctx.Err() == nil {
		unknownOpts := opts
		unknownOpts.MaxPages = cfg.UnknownPassMaxPages
		unknownOpts.LocationValue = unknownLocationValue
		unknownOpts.Filter = unknownAddressOnly
		o.tracker.StartPartition(UnknownPartition)
		m := o.crawler.Crawl(ctx, UnknownPartition, unknownOpts)
		report.Partitions[UnknownPartition] = m
		o.tracker.FinishPartition(UnknownPartition, m)
		if m.StoppedReason == StopCancelled {
			report.Cancelled = true
		}
	}

	// The purge and final count run even after cancellation; only their own
	// storage errors are reported.
	cleanupCtx := context.WithoutCancel(ctx)
	deleted, err := o.store.Deduplicate(cleanupCtx)
	if err != nil {
		o.logger.Warn("duplicate purge failed", zap.Error(err))
	}
	report.RowsDeduplicated = deleted

	distinct, err := o.store.DistinctIdentifiers(cleanupCtx)
	if err != nil {
		o.logger.Warn("distinct identifier count failed", zap.Error(err))
	}
	report.DistinctIdentifiers = distinct
	o.tracker.SetDistinctIdentifiers(distinct)

	report.Elapsed = o.clk.Now().Sub(started)
	reason := "completed"
	if report.Cancelled {
		reason = string(StopCancelled)
	}
	o.tracker.Finish(reason)
	o.logger.Info("sweep finished",
		zap.Bool("cancelled", report.Cancelled),
		zap.Int64("rows_deduplicated", report.RowsDeduplicated),
		zap.Int64("distinct_identifiers", report.DistinctIdentifiers),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// unknownAddressOnly keeps records whose address is absent, the sentinel, or
// the no-known-address phrase.
func unknownAddressOnly(r record.Record) bool {
	addr := strings.ToLower(strings.TrimSpace(r.Address))
	return addr == "" || addr == record.Sentinel || strings.Contains(addr, noAddressPhrase)
}
