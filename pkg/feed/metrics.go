package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feed_commit_events_processed_total",
	Help: "The number of commit events handled by the streaming pipeline",
})

var opsSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feed_ops_skipped_total",
	Help: "The number of post ops skipped because they could not be interpreted",
})

var postsMatched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feed_posts_matched_total",
	Help: "The number of newly stored posts that matched the keyword",
})

var postsDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feed_posts_deleted_total",
	Help: "The number of stored posts removed by delete ops",
})

var eventFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feed_event_failures_total",
	Help: "The number of events whose sink batch failed",
}, []string{"batch"})
