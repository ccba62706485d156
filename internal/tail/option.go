package tail

import (
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/taildir/taildir/internal/filter"
	"github.com/taildir/taildir/internal/notify"
)

// WatchOption is the immutable configuration of one watch run. Build it
// with NewWatchOption; it is not modified once the run has started.
type WatchOption struct {
	// Dir is the root of the directory tree to tail.
	Dir string
	// Debounce is the notification coalescing window. Zero disables it.
	Debounce time.Duration
	// Backend selects event-driven or polling notifications.
	Backend notify.Backend
	// PollInterval is the snapshot period of the poll backend.
	PollInterval time.Duration
	// FileFilter selects files by base name.
	FileFilter filter.FileFilter
	// LineFilter selects delivered lines.
	LineFilter filter.LineFilter
	// ReopenLimit and ReopenBurst bound rotation-recovery reopens per file.
	// A zero ReopenLimit leaves reopens unlimited.
	ReopenLimit rate.Limit
	ReopenBurst int
	// QueueSize, when positive, moves callback invocation to a separate
	// goroutine fed by a channel of this capacity.
	QueueSize int
	// Logger receives diagnostics. Never nil after NewWatchOption.
	Logger *slog.Logger

	// source overrides the notification source built from Backend.
	source notify.Source
}

// Option mutates a WatchOption under construction.
type Option func(*WatchOption)

// NewWatchOption returns the configuration for tailing dir with the given
// debounce window. Both filters default to selecting everything and the
// backend defaults to event-driven notifications.
func NewWatchOption(dir string, debounce time.Duration, opts ...Option) WatchOption {
	o := WatchOption{
		Dir:        dir,
		Debounce:   debounce,
		Backend:    notify.BackendEvent,
		FileFilter: filter.All,
		LineFilter: filter.All,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithBackend selects the notification backend.
func WithBackend(b notify.Backend) Option {
	return func(o *WatchOption) { o.Backend = b }
}

// WithPollInterval sets the snapshot period of the poll backend.
func WithPollInterval(d time.Duration) Option {
	return func(o *WatchOption) { o.PollInterval = d }
}

// WithFileFilter sets the file-selection predicate. Nil keeps the default.
func WithFileFilter(f filter.FileFilter) Option {
	return func(o *WatchOption) {
		if f != nil {
			o.FileFilter = f
		}
	}
}

// WithLineFilter sets the line-selection predicate. Nil keeps the default.
func WithLineFilter(f filter.LineFilter) Option {
	return func(o *WatchOption) {
		if f != nil {
			o.LineFilter = f
		}
	}
}

// WithReopenLimit allows at most perSecond reopens of one file on average,
// with bursts of up to burst.
func WithReopenLimit(perSecond float64, burst int) Option {
	return func(o *WatchOption) {
		o.ReopenLimit = rate.Limit(perSecond)
		o.ReopenBurst = burst
	}
}

// WithQueueSize enables the bounded hand-off queue between the watch loop
// and the callback.
func WithQueueSize(n int) Option {
	return func(o *WatchOption) { o.QueueSize = n }
}

// WithLogger sets the logger. Nil keeps the default discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *WatchOption) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithSource uses src instead of building a source from Backend. The watch
// loop takes ownership and closes it on return.
func WithSource(src notify.Source) Option {
	return func(o *WatchOption) { o.source = src }
}
