package tail

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLinesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taildir",
		Subsystem: "tail",
		Name:      "lines_delivered_total",
		Help:      "Lines that passed the line filter and were handed to the consumer",
	})
	metricLinesFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taildir",
		Subsystem: "tail",
		Name:      "lines_filtered_total",
		Help:      "Lines consumed but rejected by the line filter",
	})
	metricBytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taildir",
		Subsystem: "tail",
		Name:      "bytes_read_total",
		Help:      "Bytes consumed from tailed files",
	})
	metricRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taildir",
		Subsystem: "tail",
		Name:      "rotations_total",
		Help:      "Rotations detected, by how they were detected",
	}, []string{"reason"})
	metricReopenThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taildir",
		Subsystem: "tail",
		Name:      "reopen_throttled_total",
		Help:      "Reopen attempts denied by the per-file reopen limit",
	})
	metricTranslateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taildir",
		Subsystem: "tail",
		Name:      "translate_errors_total",
		Help:      "Notifications whose translation failed with an I/O error",
	})
	metricHandlesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taildir",
		Subsystem: "tail",
		Name:      "handles_open",
		Help:      "Files currently held open for tailing",
	})
)

const (
	rotationMissing   = "missing"
	rotationReplaced  = "replaced"
	rotationTruncated = "truncated"
)

func init() {
	// Present the label values even while zero.
	for _, reason := range []string{rotationMissing, rotationReplaced, rotationTruncated} {
		metricRotations.WithLabelValues(reason)
	}
}
