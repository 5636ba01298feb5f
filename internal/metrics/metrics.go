// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched tracks result pages retrieved successfully through the relay.
	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hcw_crawler_pages_fetched_total",
		Help: "The total number of result pages fetched successfully.",
	})
	// FetchErrors tracks individual fetch attempts that failed (network or non-2xx).
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hcw_crawler_fetch_errors_total",
		Help: "The total number of failed page fetch attempts.",
	})
	// PagesEmpty tracks pages that yielded no records, including exhausted fetches.
	PagesEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hcw_crawler_pages_empty_total",
		Help: "The total number of pages counted into the empty-page streak.",
	})
	// RecordsInserted tracks rows actually written to the store.
	RecordsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hcw_crawler_records_inserted_total",
		Help: "The total number of new practitioner records inserted.",
	})
	// RecordsSkipped tracks candidate records rejected as duplicates.
	RecordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hcw_crawler_records_skipped_total",
		Help: "The total number of candidate records skipped as duplicates.",
	})
)
