package tail

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

func MetricRotations(reason string) prometheus.Counter {
	return metricRotations.WithLabelValues(reason)
}

func MetricReopenThrottled() prometheus.Counter { return metricReopenThrottled }

// CloseDescriptor closes the open file behind the handle for path while
// leaving the handle in the table, so the next read fails.
func CloseDescriptor(table *Table, path string) error {
	h, ok := table.Get(path)
	if !ok {
		return os.ErrNotExist
	}
	return h.file.Close()
}

// CloseWatchedDescriptor is CloseDescriptor on the table of a running w.
func CloseWatchedDescriptor(w *Watcher, path string) error {
	table := w.table.Load()
	if table == nil {
		return os.ErrNotExist
	}
	return CloseDescriptor(table, path)
}
