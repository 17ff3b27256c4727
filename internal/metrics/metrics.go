// Package metrics declares the Prometheus collectors shared by the
// transform endpoint, the enrichment engine and the merge job.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream adapter metrics
	RecordsTransformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecdc_firehose_records_total",
			Help: "Delivery records processed by the stream adapter",
		},
		[]string{"result"},
	)

	BatchesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecdc_firehose_batches_rejected_total",
			Help: "Delivery batches that could not be parsed at all",
		},
	)

	// Enrichment metrics
	TradesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecdc_enrich_rejected_total",
			Help: "Trades dropped by the validity filter",
		},
		[]string{"reason"},
	)

	RowsUnparseable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecdc_rowsource_unparseable_total",
			Help: "Delivered rows that could not be coerced into a trade",
		},
	)

	// Merge metrics
	MergeRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecdc_merge_rows_total",
			Help: "Rows seen by the merge writer by outcome",
		},
		[]string{"outcome"},
	)

	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradecdc_merge_duration_seconds",
			Help:    "Duration of a single merge call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecdc_sink_errors_total",
			Help: "Failed commit writes per table sink",
		},
		[]string{"sink"},
	)
)
