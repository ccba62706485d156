package tail_test

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/taildir/taildir/internal/notify"
	"github.com/taildir/taildir/internal/tail"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logBuffer collects log output from the watch goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogger returns a logger writing text records to the returned
// buffer.
func captureLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

// symlinkDir creates a symbolic link to target in a fresh temp dir and
// returns the link path. The test is skipped where links are unsupported.
func symlinkDir(t *testing.T, target string) string {
	t.Helper()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	return link
}

// writeFile creates (or truncates) dir/name with content and returns its path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// appendFile appends content to path.
func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

// register seeds a Table for dir with the default options and closes it
// when the test ends.
func register(t *testing.T, dir string) *tail.Table {
	t.Helper()
	table, err := tail.Register(dir, tailAll, noopLogger())
	if err != nil {
		t.Fatalf("Register(%q): %v", dir, err)
	}
	t.Cleanup(func() { _ = table.Close() })
	return table
}

func tailAll(string) bool { return true }

func write(path string) notify.Notification {
	return notify.Notification{Kind: notify.KindWrite, Path: path}
}

func create(path string) notify.Notification {
	return notify.Notification{Kind: notify.KindCreate, Path: path}
}

func remove(path string) notify.Notification {
	return notify.Notification{Kind: notify.KindRemove, Path: path}
}

// offsetOf returns the offset of the handle for path, failing if absent.
func offsetOf(t *testing.T, table *tail.Table, path string) int64 {
	t.Helper()
	h, ok := table.Get(path)
	if !ok {
		t.Fatalf("no handle for %s", path)
	}
	return h.Offset()
}

// fakeSource is an in-memory notify.Source driven by the test.
type fakeSource struct {
	events chan notify.Notification
	errors chan error
	addErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan notify.Notification, 16),
		errors: make(chan error, 1),
	}
}

func (f *fakeSource) Add(string) error                   { return f.addErr }
func (f *fakeSource) Events() <-chan notify.Notification { return f.events }
func (f *fakeSource) Errors() <-chan error               { return f.errors }
func (f *fakeSource) Close() error                       { return nil }
