package crawl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawl_runs_total",
	Help: "The number of crawl runs by outcome",
}, []string{"status"})

var runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "crawl_run_duration_seconds",
	Help:    "The duration of a full crawl run",
	Buckets: prometheus.ExponentialBuckets(1, 2, 14),
})

var actorsDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "crawl_actors_discovered",
	Help: "The number of distinct actors found by the last crawl",
})

var actorFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "crawl_actor_failures_total",
	Help: "The number of actors whose feed could not be crawled",
})

var postsInserted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "crawl_posts_inserted_total",
	Help: "The number of new posts stored by the crawler",
})
