package notify

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventSource delivers OS-native change events through fsnotify. fsnotify
// watches single directories only, so Add walks the tree and directories
// created later are added as they appear. Removing or renaming an armed
// root closes the Events channel.
type EventSource struct {
	w      *fsnotify.Watcher
	logger *slog.Logger

	events chan Notification
	errors chan error
	done   chan struct{}

	mu    sync.Mutex
	roots map[string]struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEventSource creates an EventSource and starts its event loop. An error
// is returned if the OS watch facility cannot be initialised (for example
// when the inotify instance limit is reached).
func NewEventSource(logger *slog.Logger) (*EventSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("notify: init fsnotify: %w", err)
	}

	s := &EventSource{
		w:      w,
		logger: logger,
		events: make(chan Notification, defaultBufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
		roots:  make(map[string]struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Add watches root and every directory beneath it. Failure to watch root is
// returned; failures on nested directories are logged and skipped.
func (s *EventSource) Add(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("notify: stat %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("notify: %q is not a directory", root)
	}
	if err := s.w.Add(root); err != nil {
		return fmt.Errorf("notify: watch %q: %w", root, err)
	}
	s.mu.Lock()
	s.roots[filepath.Clean(root)] = struct{}{}
	s.mu.Unlock()
	s.addTree(root, false)
	return nil
}

// Events implements Source.
func (s *EventSource) Events() <-chan Notification { return s.events }

// Errors implements Source.
func (s *EventSource) Errors() <-chan error { return s.errors }

// Close implements Source.
func (s *EventSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.w.Close()
		s.wg.Wait()
	})
	return err
}

func (s *EventSource) isRoot(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.roots[filepath.Clean(path)]
	return ok
}

// addTree adds every directory below root (root itself excluded). When
// announce is set, regular files found are reported as created: they may
// have been written before the directory watch existed.
func (s *EventSource) addTree(root string, announce bool) {
	_ = WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if err := s.w.Add(path); err != nil {
				s.logger.Warn("notify: cannot watch directory",
					slog.String("path", path),
					slog.Any("error", err),
				)
			}
			return nil
		}
		if announce && d.Type().IsRegular() {
			s.send(Notification{Kind: KindCreate, Path: path})
		}
		return nil
	})
}

// run owns the outbound channels and closes them when it returns.
func (s *EventSource) run() {
	defer s.wg.Done()
	defer close(s.errors)
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			if !s.handle(ev) {
				return
			}
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			default:
				s.logger.Warn("notify: dropping backend error", slog.Any("error", err))
			}
		}
	}
}

// handle translates ev. It returns false once an armed root is gone.
func (s *EventSource) handle(ev fsnotify.Event) bool {
	s.logger.Debug("notify: fsnotify event",
		slog.String("path", ev.Name),
		slog.String("op", ev.Op.String()),
	)

	if (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) && s.isRoot(ev.Name) {
		s.logger.Error("notify: watched root removed", slog.String("path", ev.Name))
		return false
	}

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := s.w.Add(ev.Name); err != nil {
				s.logger.Warn("notify: cannot watch directory",
					slog.String("path", ev.Name),
					slog.Any("error", err),
				)
			}
			s.addTree(ev.Name, true)
			return true
		}
		s.send(Notification{Kind: KindCreate, Path: ev.Name})
	case ev.Has(fsnotify.Write):
		s.send(Notification{Kind: KindWrite, Path: ev.Name})
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		s.send(Notification{Kind: KindRemove, Path: ev.Name})
	}
	return true
}

// send blocks until the notification is accepted or the source is closed.
func (s *EventSource) send(n Notification) {
	select {
	case s.events <- n:
	case <-s.done:
	}
}
