package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var skeletonRequests = promauto.NewCounter(prometheus.CounterOpts{
	Name: "api_feed_skeleton_requests_total",
	Help: "The number of feed skeletons served",
})

var crawlTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "api_crawl_triggers_total",
	Help: "The number of manual crawl requests by outcome",
}, []string{"outcome"})
