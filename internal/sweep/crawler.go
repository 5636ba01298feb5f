// Package sweep drives pagination across search partitions and aggregates
// sweep-level metrics. All state is owned by the single sweep goroutine;
// cancellation is cooperative and polled between pages and partitions.
package sweep

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jdevroede/hcw-crawler/internal/clock"
	"github.com/jdevroede/hcw-crawler/internal/fetch"
	"github.com/jdevroede/hcw-crawler/internal/metrics"
	"github.com/jdevroede/hcw-crawler/internal/record"
)

// PageFetcher retrieves the markup for one result page of one partition.
type PageFetcher interface {
	Fetch(ctx context.Context, page int, partitionKey string) (string, error)
}

// Extractor parses result markup into records.
type Extractor interface {
	Extract(markup string) ([]record.Record, error)
}

// RecordStore is the subset of the dedup store the crawler writes through.
type RecordStore interface {
	Upsert(ctx context.Context, records []record.Record) (inserted, skipped int, err error)
}

// StopReason records why a partition crawl reached a terminal state.
type StopReason string

// Terminal states of a partition crawl.
const (
	StopMaxEmpty  StopReason = "max-empty"
	StopMaxPages  StopReason = "max-pages"
	StopCancelled StopReason = "cancelled"
)

// Cursor is the per-partition crawl state. It is created when the partition
// starts and discarded when it stops; it is never shared across partitions.
type Cursor struct {
	Page        int
	EmptyStreak int
	Inserted    int
}

// PartitionMetrics summarizes one finished partition crawl.
type PartitionMetrics struct {
	PagesCrawled   int        `json:"pages_crawled"`
	ApproxInserted int        `json:"approx_inserted"`
	StoppedReason  StopReason `json:"stopped_reason"`
}

// CrawlOptions bound one partition crawl.
type CrawlOptions struct {
	MaxPages  int
	MaxEmpty  int
	PagePause time.Duration
	// LocationValue, when set, is sent to the fetcher in place of the
	// partition key, which then serves as the display label only.
	LocationValue string
	// Filter, when set, keeps only matching records before the upsert.
	Filter func(record.Record) bool
}

// PartitionCrawler runs the fetch → extract → dedup → store loop for a
// single partition key.
type PartitionCrawler struct {
	fetcher   PageFetcher
	extractor Extractor
	store     RecordStore
	sleep     clock.Sleeper
	tracker   *Tracker
	logger    *zap.Logger
}

// NewPartitionCrawler wires the crawl loop. Nil sleeper/logger fall back to
// the real sleeper and a no-op logger; the tracker may be nil.
func NewPartitionCrawler(
	fetcher PageFetcher,
	extractor Extractor,
	store RecordStore,
	sleep clock.Sleeper,
	tracker *Tracker,
	logger *zap.Logger,
) *PartitionCrawler {
	if sleep == nil {
		sleep = clock.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartitionCrawler{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		sleep:     sleep,
		tracker:   tracker,
		logger:    logger,
	}
}

// Crawl paginates one partition until a stop condition fires. A failed or
// unparsable page counts into the empty streak exactly like a page with zero
// records; nothing that happens inside a single page aborts the partition.
func (c *PartitionCrawler) Crawl(ctx context.Context, partitionKey string, opts CrawlOptions) PartitionMetrics {
	fetchKey := partitionKey
	if opts.LocationValue != "" {
		fetchKey = opts.LocationValue
	}
	cur := Cursor{Page: 1}
	var reason StopReason
	for {
		// Limit checks come before the cancellation poll so a partition
		// that already hit a limit keeps its own stop reason.
		if cur.EmptyStreak >= opts.MaxEmpty {
			reason = StopMaxEmpty
			break
		}
		if cur.Page > opts.MaxPages {
			reason = StopMaxPages
			break
		}
		if ctx.Err() != nil {
			reason = StopCancelled
			break
		}

		if !c.crawlPage(ctx, fetchKey, partitionKey, opts, &cur) {
			// Cancelled mid-fetch; the aborted page does not count.
			continue
		}
		c.tracker.Page(partitionKey, cur.Page, cur.EmptyStreak)

		cur.Page++
		c.sleep(ctx, opts.PagePause)
	}

	m := PartitionMetrics{
		PagesCrawled:   cur.Page - 1,
		ApproxInserted: cur.Inserted,
		StoppedReason:  reason,
	}
	c.logger.Info("partition crawl finished",
		zap.String("partition", partitionKey),
		zap.Int("pages_crawled", m.PagesCrawled),
		zap.Int("approx_inserted", m.ApproxInserted),
		zap.String("stopped_reason", string(m.StoppedReason)))
	return m
}

// crawlPage processes one page and reports whether the page completed; a
// false return means the fetch was aborted by cancellation and the page must
// not be counted.
func (c *PartitionCrawler) crawlPage(ctx context.Context, fetchKey, partitionKey string, opts CrawlOptions, cur *Cursor) bool {
	markup, err := c.fetcher.Fetch(ctx, cur.Page, fetchKey)
	if err != nil {
		if !errors.Is(err, fetch.ErrPageUnavailable) && ctx.Err() != nil {
			// Cancelled mid-fetch; the top of the loop records the reason.
			return false
		}
		cur.EmptyStreak++
		metrics.PagesEmpty.Inc()
		c.logger.Warn("page unavailable, counted as empty",
			zap.String("partition", partitionKey),
			zap.Int("page", cur.Page),
			zap.Int("empty_streak", cur.EmptyStreak))
		return true
	}

	records, err := c.extractor.Extract(markup)
	if err != nil {
		cur.EmptyStreak++
		metrics.PagesEmpty.Inc()
		c.logger.Warn("page extraction failed, counted as empty",
			zap.String("partition", partitionKey),
			zap.Int("page", cur.Page),
			zap.Error(err))
		return true
	}
	if opts.Filter != nil {
		records = filterRecords(records, opts.Filter)
	}
	if len(records) == 0 {
		cur.EmptyStreak++
		metrics.PagesEmpty.Inc()
		c.logger.Debug("page yielded no records",
			zap.String("partition", partitionKey),
			zap.Int("page", cur.Page),
			zap.Int("empty_streak", cur.EmptyStreak))
		return true
	}

	// Page-local identifier dedup is a call-volume optimization only; the
	// store's signature check is the correctness layer.
	unique := dedupeByIdentifier(records)
	inserted, skipped, err := c.store.Upsert(ctx, unique)
	if err != nil {
		c.logger.Warn("page upsert failed",
			zap.String("partition", partitionKey),
			zap.Int("page", cur.Page),
			zap.Error(err))
	}
	cur.Inserted += len(unique)
	cur.EmptyStreak = 0
	c.logger.Info("page stored",
		zap.String("partition", partitionKey),
		zap.Int("page", cur.Page),
		zap.Int("raw", len(records)),
		zap.Int("unique", len(unique)),
		zap.Int("inserted", inserted),
		zap.Int("skipped", skipped),
		zap.Int("cumulative", cur.Inserted))
	return true
}

// dedupeByIdentifier keeps the first occurrence of each business identifier
// within one page; identifier-less records pass through untouched.
func dedupeByIdentifier(records []record.Record) []record.Record {
	seen := make(map[string]struct{}, len(records))
	unique := records[:0:0]
	for _, rec := range records {
		if rec.HasIdentifier() {
			if _, ok := seen[rec.Identifier]; ok {
				continue
			}
			seen[rec.Identifier] = struct{}{}
		}
		unique = append(unique, rec)
	}
	return unique
}

func filterRecords(records []record.Record, keep func(record.Record) bool) []record.Record {
	out := records[:0:0]
	for _, rec := range records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}
