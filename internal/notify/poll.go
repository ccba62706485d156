package notify

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// fileState holds the stable metadata for a single path snapshot entry.
type fileState struct {
	info    os.FileInfo
	size    int64
	modTime time.Time
}

// PollSource detects changes by comparing periodic snapshots of every
// regular file beneath its roots. No kernel watch is held, so it works on
// filesystems that do not deliver native events. A root that no longer
// exists closes the Events channel.
type PollSource struct {
	logger   *slog.Logger
	interval time.Duration

	events chan Notification
	errors chan error
	done   chan struct{}

	mu       sync.Mutex
	roots    []string
	snapshot map[string]fileState

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	endOnce   sync.Once
}

// NewPollSource creates a PollSource scanning every interval. Passing zero
// uses DefaultPollInterval. Polling starts with the first Add.
func NewPollSource(interval time.Duration, logger *slog.Logger) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollSource{
		logger:   logger,
		interval: interval,
		events:   make(chan Notification, defaultBufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
		snapshot: make(map[string]fileState),
	}
}

// Add registers root and takes its initial snapshot synchronously, so only
// changes made after Add returns are reported.
func (p *PollSource) Add(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("notify: stat %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("notify: %q is not a directory", root)
	}

	p.mu.Lock()
	p.roots = append(p.roots, root)
	for path, st := range scanTree(root) {
		p.snapshot[path] = st
	}
	p.mu.Unlock()

	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run()
	})
	return nil
}

// Events implements Source.
func (p *PollSource) Events() <-chan Notification { return p.events }

// Errors implements Source.
func (p *PollSource) Errors() <-chan error { return p.errors }

// Close implements Source.
func (p *PollSource) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.end()
	})
	return nil
}

// end closes the outbound channels. Both the poll loop and Close call it.
func (p *PollSource) end() {
	p.endOnce.Do(func() {
		close(p.events)
		close(p.errors)
	})
}

func (p *PollSource) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if !p.poll() {
				p.end()
				return
			}
		}
	}
}

// poll rescans all roots and emits the differences from the last snapshot.
// It returns false when a root has disappeared or the source was closed.
func (p *PollSource) poll() bool {
	p.mu.Lock()
	roots := slices.Clone(p.roots)
	p.mu.Unlock()

	current := make(map[string]fileState)
	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				p.logger.Error("notify: watched root removed", slog.String("path", root))
				return false
			}
			p.report(fmt.Errorf("notify: stat root %q: %w", root, err))
			continue
		}
		for path, st := range scanTree(root) {
			current[path] = st
		}
	}

	p.mu.Lock()
	changes := diff(p.snapshot, current)
	p.snapshot = current
	p.mu.Unlock()

	for _, n := range changes {
		select {
		case p.events <- n:
		case <-p.done:
			return false
		}
	}
	return true
}

func (p *PollSource) report(err error) {
	select {
	case p.errors <- err:
	default:
		p.logger.Warn("notify: dropping poll error", slog.Any("error", err))
	}
}

// scanTree walks root and returns a path→fileState snapshot of every
// regular file. Entries that vanish during the walk are skipped.
func scanTree(root string) map[string]fileState {
	result := make(map[string]fileState)
	_ = WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		result[path] = fileState{
			info:    fi,
			size:    fi.Size(),
			modTime: fi.ModTime(),
		}
		return nil
	})
	return result
}

// diff compares an old snapshot against a new one and returns one
// Notification per changed path, sorted by path. A path whose underlying
// file was replaced is reported as created.
func diff(old, current map[string]fileState) []Notification {
	var out []Notification

	for path, cur := range current {
		prev, existed := old[path]
		switch {
		case !existed:
			out = append(out, Notification{Kind: KindCreate, Path: path})
		case !os.SameFile(prev.info, cur.info):
			out = append(out, Notification{Kind: KindCreate, Path: path})
		case !cur.modTime.Equal(prev.modTime) || cur.size != prev.size:
			out = append(out, Notification{Kind: KindWrite, Path: path})
		}
	}

	for path := range old {
		if _, ok := current[path]; !ok {
			out = append(out, Notification{Kind: KindRemove, Path: path})
		}
	}

	slices.SortFunc(out, func(a, b Notification) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return out
}
