// Package notify provides the filesystem change notification sources that
// drive the tailer. Two backends are available behind the common [Source]
// interface:
//
//   - event: OS-native change events via fsnotify, armed recursively by
//     adding every directory of the tree.
//   - poll:  periodic snapshots of the tree compared by size, modification
//     time and file identity. Useful on filesystems where native events are
//     unreliable (NFS, some container mounts).
//
// Either backend may be wrapped by [Debounce], which coalesces the events
// of one path that arrive within a window into a single Notification.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Kind classifies a change notification.
type Kind uint8

const (
	// KindOther is any change the tailer does not act on.
	KindOther Kind = iota
	// KindCreate indicates a file appeared at the path.
	KindCreate
	// KindWrite indicates the file at the path was written to.
	KindWrite
	// KindRemove indicates the path no longer refers to the file it did
	// (deleted or renamed away).
	KindRemove
)

// String returns the lower-case name of k.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindWrite:
		return "write"
	case KindRemove:
		return "remove"
	default:
		return "other"
	}
}

// Notification is one (possibly coalesced) filesystem change.
type Notification struct {
	Kind Kind
	Path string
}

// Source is a stream of change notifications for one or more directory
// trees. Implementations are safe for concurrent use.
type Source interface {
	// Add arms the source on root and every directory beneath it.
	Add(root string) error
	// Events returns the notification channel. It is closed after Close.
	Events() <-chan Notification
	// Errors returns the channel carrying transient backend errors.
	Errors() <-chan error
	// Close stops the source and releases its resources. It is idempotent.
	Close() error
}

// Backend selects the Source implementation.
type Backend string

const (
	// BackendEvent uses OS-native events (inotify, kqueue, ReadDirectoryChangesW).
	BackendEvent Backend = "event"
	// BackendPoll uses periodic directory snapshots.
	BackendPoll Backend = "poll"
)

// DefaultPollInterval is used by the poll backend when no interval is given.
const DefaultPollInterval = time.Second

// defaultBufferSize is the capacity of the Notification channel of each
// backend.
const defaultBufferSize = 64

// Config holds the parameters for New.
type Config struct {
	// Backend selects event-driven or polling notifications. Empty means
	// BackendEvent.
	Backend Backend
	// PollInterval is the snapshot period of the poll backend.
	PollInterval time.Duration
	// Debounce is the coalescing window. Zero disables debouncing.
	Debounce time.Duration
	// Logger receives backend diagnostics. Nil discards them.
	Logger *slog.Logger
}

// New constructs the configured backend and wraps it with Debounce.
func New(cfg Config) (Source, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}

	var (
		src Source
		err error
	)
	switch cfg.Backend {
	case "", BackendEvent:
		src, err = NewEventSource(logger)
	case BackendPoll:
		src = NewPollSource(cfg.PollInterval, logger)
	default:
		return nil, fmt.Errorf("notify: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Debounce <= 0 {
		return src, nil
	}
	return Debounce(src, cfg.Debounce), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
