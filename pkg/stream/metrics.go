package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_events_received_total",
	Help: "The number of firehose events received by kind",
}, []string{"kind"})

var handlerErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_handler_errors_total",
	Help: "The number of events the handler failed to process",
})

var decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_decode_errors_total",
	Help: "The number of commits whose blocks could not be read",
})

var lastSeqGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_last_seq",
	Help: "The last firehose sequence number seen",
})

var eventLag = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "stream_event_lag_seconds",
	Help:    "The delay between an event's timestamp and its arrival",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
})
