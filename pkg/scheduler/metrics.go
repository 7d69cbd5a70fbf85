package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scheduler_runs_total",
	Help: "The number of scheduled runs by job and outcome",
}, []string{"job", "status"})

var skippedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scheduler_skipped_ticks_total",
	Help: "The number of ticks skipped because a run was still in progress",
}, []string{"job"})

var inFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scheduler_run_in_flight",
	Help: "1 while a run is in progress",
}, []string{"job"})

var runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "scheduler_run_duration_seconds",
	Help:    "The duration of scheduled runs",
	Buckets: prometheus.ExponentialBuckets(1, 2, 14),
}, []string{"job"})
