// Package fetch retrieves single directory result pages through the relay
// with a bounded fixed-backoff retry budget.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/jdevroede/hcw-crawler/internal/clock"
	"github.com/jdevroede/hcw-crawler/internal/metrics"
)

// ErrPageUnavailable is returned once the retry budget is exhausted. Callers
// treat it like a page with zero records, never as a fatal condition.
var ErrPageUnavailable = errors.New("page unavailable after retry budget")

// Defaults chosen for a slow upstream behind one extra relay hop.
const (
	defaultTimeout     = 90 * time.Second
	defaultMaxAttempts = 5
	defaultBackoff     = 3 * time.Second
)

// Config controls relay addressing and retry behavior.
type Config struct {
	// RelayBaseURL is the relay endpoint; the absolute target URL is
	// appended to its path.
	RelayBaseURL string
	// SearchBaseURL is the directory search endpoint reached through the relay.
	SearchBaseURL  string
	UserAgent      string
	AcceptLanguage string
	LanguageCookie string
	Timeout        time.Duration
	MaxAttempts    int
	Backoff        time.Duration
}

// Fetcher performs one bounded-retry GET per requested page.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	sleep  clock.Sleeper
	logger *zap.Logger
}

// New builds a Fetcher. Nil sleeper/logger fall back to the real sleeper and
// a no-op logger.
func New(cfg Config, sleep clock.Sleeper, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if sleep == nil {
		sleep = clock.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Retries revisit the same URL, so the base collector must allow it.
	c := colly.NewCollector(colly.AllowURLRevisit(), colly.Async(false))
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, base: c, sleep: sleep, logger: logger}
}

// Fetch retrieves the markup for one result page of one partition. Each
// failed attempt waits the fixed backoff before the next; after the attempt
// budget it returns ErrPageUnavailable. Context cancellation surfaces as the
// context's error immediately.
func (f *Fetcher) Fetch(ctx context.Context, page int, partitionKey string) (string, error) {
	target := f.pageURL(page, partitionKey)
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		f.logger.Debug("fetching page",
			zap.Int("page", page),
			zap.String("partition", partitionKey),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.cfg.MaxAttempts))
		markup, err := f.fetchOnce(ctx, target)
		if err == nil {
			metrics.PagesFetched.Inc()
			return markup, nil
		}
		metrics.FetchErrors.Inc()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		f.logger.Warn("page fetch attempt failed",
			zap.Int("page", page),
			zap.String("partition", partitionKey),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < f.cfg.MaxAttempts {
			f.sleep(ctx, f.cfg.Backoff)
		}
	}
	f.logger.Error("page fetch budget exhausted",
		zap.Int("page", page),
		zap.String("partition", partitionKey),
		zap.Int("attempts", f.cfg.MaxAttempts))
	return "", ErrPageUnavailable
}

// pageURL interpolates the page number and partition key into the search
// query and prefixes the relay base, which forwards to the absolute target.
func (f *Fetcher) pageURL(page int, partitionKey string) string {
	query := fmt.Sprintf(
		"?PageNumber=%d&Form.Name=&Form.FirstName=&Form.Profession=&Form.Specialisation="+
			"&Form.ConventionState=&Form.Location=%s&Form.NihdiNumber=&Form.Qualification=",
		page, url.QueryEscape(partitionKey))
	return strings.TrimRight(f.cfg.RelayBaseURL, "/") + "/" + f.cfg.SearchBaseURL + query
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) (string, error) {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body     []byte
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		if f.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
		}
		if f.cfg.LanguageCookie != "" {
			r.Headers.Set("Cookie", f.cfg.LanguageCookie)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("visit failed: %w", err)
		}
		if fetchErr != nil {
			return "", fmt.Errorf("response failed: %w", fetchErr)
		}
	}
	return string(body), nil
}
