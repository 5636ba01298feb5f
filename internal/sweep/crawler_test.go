package sweep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdevroede/hcw-crawler/internal/clock"
	"github.com/jdevroede/hcw-crawler/internal/fetch"
	"github.com/jdevroede/hcw-crawler/internal/record"
)

// scriptedFetcher serves canned results per page and remembers the highest
// page and the location keys it was asked for.
type scriptedFetcher struct {
	mu      sync.Mutex
	fail    map[int]bool
	maxPage int
	keys    []string
	onFetch func(page int)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, page int, key string) (string, error) {
	f.mu.Lock()
	if page > f.maxPage {
		f.maxPage = page
	}
	f.keys = append(f.keys, key)
	onFetch := f.onFetch
	failed := f.fail[page]
	f.mu.Unlock()
	if onFetch != nil {
		onFetch(page)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if failed {
		return "", fetch.ErrPageUnavailable
	}
	return fmt.Sprintf("page-%d", page), nil
}

func (f *scriptedFetcher) highestPage() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPage
}

// scriptedExtractor decodes the fetcher's page markers back into records.
type scriptedExtractor struct {
	pages map[int][]record.Record
}

func (e *scriptedExtractor) Extract(markup string) ([]record.Record, error) {
	var page int
	if _, err := fmt.Sscanf(markup, "page-%d", &page); err != nil {
		return nil, err
	}
	return e.pages[page], nil
}

// captureStore records every upserted batch and reports all rows inserted.
type captureStore struct {
	mu       sync.Mutex
	batches  [][]record.Record
	preloads int
	dedups   int
	distinct int64
}

func (s *captureStore) Upsert(_ context.Context, records []record.Record) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := append([]record.Record(nil), records...)
	s.batches = append(s.batches, batch)
	return len(records), 0, nil
}

func (s *captureStore) PreloadSignatures(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preloads++
	return 0, nil
}

func (s *captureStore) Deduplicate(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedups++
	return 0, nil
}

func (s *captureStore) DistinctIdentifiers(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distinct, nil
}

func (s *captureStore) allRecords() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []record.Record
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func rec(id string) record.Record {
	return record.Record{Name: "N-" + id, Identifier: id, Address: "Straat 1 1000 Stad", City: "Stad"}
}

func newTestCrawler(pages map[int][]record.Record, fail map[int]bool) (*PartitionCrawler, *scriptedFetcher, *captureStore) {
	fetcher := &scriptedFetcher{fail: fail}
	extractor := &scriptedExtractor{pages: pages}
	store := &captureStore{}
	crawler := NewPartitionCrawler(fetcher, extractor, store, clock.NoSleep, nil, nil)
	return crawler, fetcher, store
}

func TestCrawlStopsOnMaxEmpty(t *testing.T) {
	t.Parallel()

	pages := map[int][]record.Record{
		1: {rec("1")},
		2: {rec("2")},
		3: {rec("3")},
		// Pages 4 and 5 return nothing.
	}
	crawler, fetcher, store := newTestCrawler(pages, nil)

	m := crawler.Crawl(context.Background(), "1000", CrawlOptions{MaxPages: 100, MaxEmpty: 2})

	require.Equal(t, StopMaxEmpty, m.StoppedReason)
	require.Equal(t, 5, m.PagesCrawled)
	require.Equal(t, 5, fetcher.highestPage(), "page 6 must never be requested")
	require.Len(t, store.allRecords(), 3)
}

func TestCrawlStopsOnMaxPages(t *testing.T) {
	t.Parallel()

	pages := map[int][]record.Record{}
	for p := 1; p <= 10; p++ {
		pages[p] = []record.Record{rec(fmt.Sprintf("%d", p))}
	}
	crawler, fetcher, store := newTestCrawler(pages, nil)

	m := crawler.Crawl(context.Background(), "1000", CrawlOptions{MaxPages: 3, MaxEmpty: 2})

	require.Equal(t, StopMaxPages, m.StoppedReason)
	require.Equal(t, 3, m.PagesCrawled)
	require.Equal(t, 3, m.ApproxInserted)
	require.Equal(t, 3, fetcher.highestPage())
	require.Len(t, store.allRecords(), 3)
}

func TestCrawlFetchFailureCountsAsEmptyPage(t *testing.T) {
	t.Parallel()

	pages := map[int][]record.Record{1: {rec("1")}}
	fail := map[int]bool{2: true, 3: true}
	crawler, _, store := newTestCrawler(pages, fail)

	m := crawler.Crawl(context.Background(), "1000", CrawlOptions{MaxPages: 100, MaxEmpty: 2})

	require.Equal(t, StopMaxEmpty, m.StoppedReason)
	require.Equal(t, 3, m.PagesCrawled)
	require.Len(t, store.allRecords(), 1)
}

func TestCrawlRecordsWithRecordsResetTheStreak(t *testing.T) {
	t.Parallel()

	pages := map[int][]record.Record{
		1: {rec("1")},
		// Page 2 empty, page 3 has records again, 4 and 5 empty.
		3: {rec("3")},
	}
	crawler, fetcher, _ := newTestCrawler(pages, nil)

	m := crawler.Crawl(context.Background(), "1000", CrawlOptions{MaxPages: 100, MaxEmpty: 2})

	require.Equal(t, StopMaxEmpty, m.StoppedReason)
	require.Equal(t, 5, m.PagesCrawled)
	require.Equal(t, 5, fetcher.highestPage())
}

func TestCrawlPageLocalIdentifierDedup(t *testing.T) {
	t.Parallel()

	dup := rec("42")
	noID1 := record.Record{Name: "anon one", Identifier: record.Sentinel}
	noID2 := record.Record{Name: "anon two", Identifier: record.Sentinel}
	pages := map[int][]record.Record{
		1: {dup, dup, noID1, noID2},
	}
	crawler, _, store := newTestCrawler(pages, nil)

	m := crawler.Crawl(context.Background(), "1000", CrawlOptions{MaxPages: 1, MaxEmpty: 2})

	require.Equal(t, StopMaxPages, m.StoppedReason)
	stored := store.allRecords()
	require.Len(t, stored, 3, "identifier dup collapses, identifier-less records pass through")
	require.Equal(t, "42", stored[0].Identifier)
	require.Equal(t, "anon one", stored[1].Name)
	require.Equal(t, "anon two", stored[2].Name)
}

func TestCrawlFilterDropsNonMatching(t *testing.T) {
	t.Parallel()

	withAddr := rec("1")
	noAddr := record.Record{Name: "lost", Identifier: "2", Address: record.Sentinel}
	pages := map[int][]record.Record{1: {withAddr, noAddr}}
	crawler, _, store := newTestCrawler(pages, nil)

	m := crawler.Crawl(context.Background(), "0", CrawlOptions{
		MaxPages: 1,
		MaxEmpty: 2,
		Filter: func(r record.Record) bool {
			return strings.EqualFold(r.Address, record.Sentinel)
		},
	})

	require.Equal(t, StopMaxPages, m.StoppedReason)
	stored := store.allRecords()
	require.Len(t, stored, 1)
	require.Equal(t, "lost", stored[0].Name)
}

func TestCrawlCancelledMidFetchDoesNotCountThePage(t *testing.T) {
	t.Parallel()

	pages := map[int][]record.Record{
		1: {rec("1")},
		2: {rec("2")},
		3: {rec("3")},
	}
	crawler, fetcher, store := newTestCrawler(pages, nil)

	ctx, cancel := context.WithCancel(context.Background())
	fetcher.onFetch = func(page int) {
		if page == 3 {
			cancel()
		}
	}
	m := crawler.Crawl(ctx, "1000", CrawlOptions{MaxPages: 100, MaxEmpty: 2})

	require.Equal(t, StopCancelled, m.StoppedReason)
	require.Equal(t, 2, m.PagesCrawled, "the aborted fetch of page 3 must not count")
	require.Len(t, store.allRecords(), 2)
}

func TestCrawlLocationValueSeparatesLabelFromQuery(t *testing.T) {
	t.Parallel()

	pages := map[int][]record.Record{1: {rec("1")}}
	fetcher := &scriptedFetcher{}
	extractor := &scriptedExtractor{pages: pages}
	store := &captureStore{}
	tracker := NewTracker(nil)
	tracker.StartSweep("sweep-1")
	crawler := NewPartitionCrawler(fetcher, extractor, store, clock.NoSleep, tracker, nil)

	crawler.Crawl(context.Background(), "UNKNOWN", CrawlOptions{
		MaxPages:      1,
		MaxEmpty:      2,
		LocationValue: "0",
	})

	require.Equal(t, []string{"0"}, fetcher.keys, "the fetcher sees the location value")
	require.Equal(t, "UNKNOWN", tracker.Snapshot().CurrentPartition,
		"progress reports the display label")
}

func TestCrawlCancelledBeforeFirstPage(t *testing.T) {
	t.Parallel()

	crawler, fetcher, _ := newTestCrawler(map[int][]record.Record{1: {rec("1")}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := crawler.Crawl(ctx, "1000", CrawlOptions{MaxPages: 100, MaxEmpty: 2})

	require.Equal(t, StopCancelled, m.StoppedReason)
	require.Equal(t, 0, m.PagesCrawled)
	require.Equal(t, 0, fetcher.highestPage())
}
