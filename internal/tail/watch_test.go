package tail_test

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/taildir/taildir/internal/filter"
	"github.com/taildir/taildir/internal/notify"
	"github.com/taildir/taildir/internal/tail"
)

type call struct {
	name  string
	lines []string
}

// recorder returns a Callback forwarding every invocation to the returned
// channel.
func recorder() (tail.Callback, <-chan call) {
	ch := make(chan call, 32)
	return func(name string, lines []string) {
		ch <- call{name: name, lines: lines}
	}, ch
}

func waitForCall(t *testing.T, ch <-chan call, timeout time.Duration) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(timeout):
		t.Fatal("callback not invoked within timeout")
		return call{}
	}
}

func expectNoCall(t *testing.T, ch <-chan call, wait time.Duration) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected callback %s %q", c.name, c.lines)
	case <-time.After(wait):
	}
}

// startRun runs w in the background and waits until it has registered
// handles files. The returned function cancels the run and returns its error.
func startRun(t *testing.T, w *tail.Watcher, cb tail.Callback, handles int) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx, cb) }()

	deadline := time.Now().Add(2 * time.Second)
	for w.Handles() != handles {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("Handles = %d, want %d", w.Handles(), handles)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop := func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })
	return stop
}

func TestWatch_SelectedAndFilteredFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := writeFile(t, dir, "a.log", "")
	tmpPath := writeFile(t, dir, "a.tmp", "")

	logs, _ := filter.Glob("*.log")
	src := newFakeSource()
	w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
		tail.WithFileFilter(logs),
		tail.WithLogger(noopLogger()),
		tail.WithSource(src),
	))
	cb, calls := recorder()
	stop := startRun(t, w, cb, 1)

	appendFile(t, logPath, "hello\n")
	src.events <- write(logPath)
	c := waitForCall(t, calls, time.Second)
	if c.name != "a.log" || !slices.Equal(c.lines, []string{"hello\n"}) {
		t.Errorf("callback(%s, %q), want (a.log, [hello\\n])", c.name, c.lines)
	}

	appendFile(t, tmpPath, "hello\n")
	src.events <- write(tmpPath)
	expectNoCall(t, calls, 150*time.Millisecond)

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestWatch_LineFilter(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.log", "")

	src := newFakeSource()
	w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
		tail.WithLineFilter(filter.Contains("ERROR")),
		tail.WithLogger(noopLogger()),
		tail.WithSource(src),
	))
	cb, calls := recorder()
	startRun(t, w, cb, 1)

	appendFile(t, path, "info\n")
	src.events <- write(path)
	expectNoCall(t, calls, 100*time.Millisecond)

	appendFile(t, path, "info\nERROR x\n")
	src.events <- write(path)
	c := waitForCall(t, calls, time.Second)
	if !slices.Equal(c.lines, []string{"ERROR x\n"}) {
		t.Errorf("lines = %q, want [ERROR x\\n]", c.lines)
	}
}

func TestWatch_TruncateThenAppend(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.log", "")

	src := newFakeSource()
	w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
		tail.WithLogger(noopLogger()),
		tail.WithSource(src),
	))
	cb, calls := recorder()
	startRun(t, w, cb, 1)

	appendFile(t, path, "old line that will be truncated\n")
	src.events <- write(path)
	waitForCall(t, calls, time.Second)

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, "new\n")
	src.events <- write(path)

	c := waitForCall(t, calls, time.Second)
	if !slices.Equal(c.lines, []string{"new\n"}) {
		t.Errorf("lines = %q, want [new\\n]", c.lines)
	}
	expectNoCall(t, calls, 100*time.Millisecond)
}

func TestWatch_SourceErrorsDoNotStopLoop(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.log", "")

	src := newFakeSource()
	w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
		tail.WithLogger(noopLogger()),
		tail.WithSource(src),
	))
	cb, calls := recorder()
	startRun(t, w, cb, 1)

	src.errors <- errors.New("transient")
	appendFile(t, path, "still here\n")
	src.events <- write(path)
	waitForCall(t, calls, time.Second)
}

func TestWatch_SourceClosed(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
		tail.WithLogger(noopLogger()),
		tail.WithSource(src),
	))

	close(src.events)
	err := w.Run(context.Background(), func(string, []string) {})
	if !errors.Is(err, tail.ErrSourceClosed) {
		t.Errorf("Run = %v, want ErrSourceClosed", err)
	}
	if w.Handles() != 0 {
		t.Errorf("Handles = %d after Run returned, want 0", w.Handles())
	}
}

func TestWatch_ArmFailureIsFatal(t *testing.T) {
	src := newFakeSource()
	src.addErr = errors.New("too many watches")
	err := tail.WatchDir(context.Background(),
		tail.NewWatchOption(t.TempDir(), 0, tail.WithSource(src)),
		func(string, []string) {},
	)
	if err == nil {
		t.Fatal("expected error when the source cannot be armed, got nil")
	}
}

func TestWatch_MissingDirectoryIsFatal(t *testing.T) {
	err := tail.WatchDir(context.Background(),
		tail.NewWatchOption(t.TempDir()+"/missing", 0, tail.WithSource(newFakeSource())),
		func(string, []string) {},
	)
	if err == nil {
		t.Fatal("expected error for missing directory, got nil")
	}
}

func TestWatch_QueuedDelivery(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.log", "")

	src := newFakeSource()
	w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
		tail.WithLogger(noopLogger()),
		tail.WithSource(src),
		tail.WithQueueSize(2),
	))
	cb, calls := recorder()
	startRun(t, w, cb, 1)

	for _, line := range []string{"1\n", "2\n", "3\n"} {
		appendFile(t, path, line)
		src.events <- write(path)
		c := waitForCall(t, calls, time.Second)
		if !slices.Equal(c.lines, []string{line}) {
			t.Errorf("lines = %q, want [%q]", c.lines, line)
		}
	}
}

func TestWatch_PollBackendEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.log", "existing\n")

	w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
		tail.WithBackend(notify.BackendPoll),
		tail.WithPollInterval(20*time.Millisecond),
		tail.WithLogger(noopLogger()),
	))
	cb, calls := recorder()
	startRun(t, w, cb, 1)
	// Let the poller take its baseline snapshot.
	time.Sleep(50 * time.Millisecond)

	appendFile(t, path, "hello\n")
	c := waitForCall(t, calls, 2*time.Second)
	if c.name != "a.log" || !slices.Equal(c.lines, []string{"hello\n"}) {
		t.Errorf("callback(%s, %q), want (a.log, [hello\\n])", c.name, c.lines)
	}

	// Rotate: delete and recreate with shorter content.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	writeFile(t, dir, "a.log", "r\n")

	c = waitForCall(t, calls, 2*time.Second)
	if !slices.Equal(c.lines, []string{"r\n"}) {
		t.Errorf("lines after rotation = %q, want [r\\n]", c.lines)
	}
}

func TestWatch_ReadErrorLoggedAndLoopContinues(t *testing.T) {
	dir := t.TempDir()
	broken := writeFile(t, dir, "a.log", "")
	healthy := writeFile(t, dir, "b.log", "")

	logger, logs := captureLogger()
	src := newFakeSource()
	w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
		tail.WithLogger(logger),
		tail.WithSource(src),
	))
	cb, calls := recorder()
	stop := startRun(t, w, cb, 2)

	if err := tail.CloseWatchedDescriptor(w, broken); err != nil {
		t.Fatal(err)
	}
	appendFile(t, broken, "lost\n")
	src.events <- write(broken)

	appendFile(t, healthy, "ok\n")
	src.events <- write(healthy)
	c := waitForCall(t, calls, time.Second)
	if c.name != "b.log" || !slices.Equal(c.lines, []string{"ok\n"}) {
		t.Errorf("callback(%s, %q), want (b.log, [ok\\n])", c.name, c.lines)
	}
	if !strings.Contains(logs.String(), "tail: translate error") {
		t.Errorf("no translate error logged; log output:\n%s", logs.String())
	}
	if w.Handles() != 1 {
		t.Errorf("Handles = %d after read error, want 1", w.Handles())
	}

	// The failed file is reopened by its next notification.
	src.events <- write(broken)
	c = waitForCall(t, calls, time.Second)
	if c.name != "a.log" || !slices.Equal(c.lines, []string{"lost\n"}) {
		t.Errorf("callback(%s, %q), want (a.log, [lost\\n])", c.name, c.lines)
	}

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestWatch_SymlinkedRootPollNoReplay(t *testing.T) {
	real := t.TempDir()
	path := writeFile(t, real, "a.log", "old1\nold2\n")
	link := symlinkDir(t, real)

	w := tail.NewWatcher(tail.NewWatchOption(link, 0,
		tail.WithBackend(notify.BackendPoll),
		tail.WithPollInterval(20*time.Millisecond),
		tail.WithLogger(noopLogger()),
	))
	cb, calls := recorder()
	startRun(t, w, cb, 1)
	time.Sleep(50 * time.Millisecond)

	appendFile(t, path, "new\n")
	c := waitForCall(t, calls, 2*time.Second)
	if c.name != "a.log" || !slices.Equal(c.lines, []string{"new\n"}) {
		t.Errorf("callback(%s, %q), want (a.log, [new\\n])", c.name, c.lines)
	}
}

func TestWatch_RootRemovedEndsRun(t *testing.T) {
	for _, backend := range []notify.Backend{notify.BackendPoll, notify.BackendEvent} {
		t.Run(string(backend), func(t *testing.T) {
			dir := t.TempDir() + "/root"
			if err := os.Mkdir(dir, 0o755); err != nil {
				t.Fatal(err)
			}
			writeFile(t, dir, "a.log", "")

			w := tail.NewWatcher(tail.NewWatchOption(dir, 0,
				tail.WithBackend(backend),
				tail.WithPollInterval(20*time.Millisecond),
				tail.WithLogger(noopLogger()),
			))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- w.Run(ctx, func(string, []string) {}) }()

			deadline := time.Now().Add(2 * time.Second)
			for w.Handles() != 1 {
				if time.Now().After(deadline) {
					t.Fatalf("Handles = %d, want 1", w.Handles())
				}
				time.Sleep(5 * time.Millisecond)
			}
			// Let the source arm before the root disappears.
			time.Sleep(100 * time.Millisecond)

			if err := os.RemoveAll(dir); err != nil {
				t.Fatal(err)
			}
			if err := <-errCh; !errors.Is(err, tail.ErrSourceClosed) {
				t.Errorf("Run = %v, want ErrSourceClosed", err)
			}
		})
	}
}
