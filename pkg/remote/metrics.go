package remote

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "remote_request_duration_seconds",
	Help:    "The duration of calls to the remote AT Protocol service",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "status"})

func observe(method string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	requestDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
}
