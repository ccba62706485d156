package notify_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taildir/taildir/internal/notify"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor reads notifications from ch until one matches kind and path, or
// fails the test when timeout elapses first.
func waitFor(t *testing.T, ch <-chan notify.Notification, kind notify.Kind, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed while waiting for %s %s", kind, path)
			}
			if n.Kind == kind && n.Path == path {
				return
			}
		case <-deadline:
			t.Fatalf("no %s notification for %s within %v", kind, path, timeout)
		}
	}
}

// fakeSource is an in-memory Source driven by the test.
type fakeSource struct {
	events chan notify.Notification
	errors chan error
	added  []string
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan notify.Notification, 16),
		errors: make(chan error, 1),
	}
}

func (f *fakeSource) Add(root string) error              { f.added = append(f.added, root); return nil }
func (f *fakeSource) Events() <-chan notify.Notification { return f.events }
func (f *fakeSource) Errors() <-chan error               { return f.errors }
func (f *fakeSource) Close() error {
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// waitClosed drains ch until it is closed, failing the test when timeout
// elapses first.
func waitClosed(t *testing.T, ch <-chan notify.Notification, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel still open after %v", timeout)
		}
	}
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
