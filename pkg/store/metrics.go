package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "store_rows_written_total",
	Help: "The number of post rows inserted or deleted",
}, []string{"op"})

var writeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "store_write_errors_total",
	Help: "The number of failed write batches",
}, []string{"op"})
