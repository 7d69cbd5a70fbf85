package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "archive_queue_depth",
	Help: "The current depth of the archive record buffer",
}, []string{"mirror"})

var recordsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archive_records_enqueued",
	Help: "The number of records enqueued for archival",
}, []string{"mirror"})

var recordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archive_records_dropped",
	Help: "The number of records dropped because the archive buffer was full",
}, []string{"mirror"})

var batchSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "archive_batch_submission_duration",
	Help:    "The duration of time it takes to write a batch of records",
	Buckets: prometheus.DefBuckets,
}, []string{"mirror"})

var batchSizeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "archive_batch_size",
	Help:    "The size of a batch of records written",
	Buckets: prometheus.ExponentialBuckets(1, 2, 20),
}, []string{"mirror"})
