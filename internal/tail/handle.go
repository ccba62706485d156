package tail

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// errNotRegular is returned by Table.Open for directories, devices, pipes
// and other non-regular files, none of which can be tailed.
var errNotRegular = errors.New("not a regular file")

// Handle is one actively tailed file: its path, the byte offset already
// delivered, and the open descriptor it exclusively owns.
type Handle struct {
	path   string
	offset int64
	file   *os.File
}

// Path returns the path the handle was opened from.
func (h *Handle) Path() string { return h.path }

// Offset returns the number of bytes already consumed from the file.
func (h *Handle) Offset() int64 { return h.offset }

// Table maps cleaned file paths to Handles and owns every descriptor it
// holds. It is driven by a single goroutine (the dispatcher); the mutex
// only makes Len safe for concurrent observers.
type Table struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{handles: make(map[string]*Handle)}
}

func key(path string) string { return filepath.Clean(path) }

// Open opens path and stores a Handle for it, replacing (and closing) any
// existing one. With atTail the offset starts at the current end of the
// file so existing content is never replayed; otherwise it starts at 0.
func (t *Table) Open(path string, atTail bool) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, errNotRegular)
	}

	h := &Handle{path: path, file: f}
	if atTail {
		h.offset = fi.Size()
	}

	t.mu.Lock()
	old, existed := t.handles[key(path)]
	t.handles[key(path)] = h
	t.mu.Unlock()

	if existed {
		_ = old.file.Close()
	} else {
		metricHandlesOpen.Inc()
	}
	return h, nil
}

// Get returns the Handle stored for path.
func (t *Table) Get(path string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[key(path)]
	return h, ok
}

// Remove drops the Handle for path and closes its descriptor. It reports
// whether a handle was present; removing an absent path is a no-op.
func (t *Table) Remove(path string) bool {
	t.mu.Lock()
	h, ok := t.handles[key(path)]
	delete(t.handles, key(path))
	t.mu.Unlock()

	if !ok {
		return false
	}
	_ = h.file.Close()
	metricHandlesOpen.Dec()
	return true
}

// Len returns the number of files currently tailed.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Close releases every descriptor and empties the table.
func (t *Table) Close() error {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[string]*Handle)
	t.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		metricHandlesOpen.Dec()
	}
	return errors.Join(errs...)
}

// size returns the current length of the file behind h.
func (h *Handle) size() (int64, error) {
	fi, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// section returns a reader over the bytes between the handle offset and end.
func (h *Handle) section(end int64) io.Reader {
	return io.NewSectionReader(h.file, h.offset, end-h.offset)
}
