package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taildir",
		Subsystem: "agent",
		Name:      "batches_total",
		Help:      "Batches handed to the sinks.",
	})
	metricSinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taildir",
		Subsystem: "agent",
		Name:      "sink_errors_total",
		Help:      "Batches at least one sink failed to write.",
	})
)
