package notify

import (
	"sync"
	"time"
)

// debouncer coalesces the notifications of a wrapped Source. The first
// notification received opens a window; when it elapses every path seen
// during the window is emitted once, in order of first arrival, with the
// merged Kind.
type debouncer struct {
	src    Source
	window time.Duration

	events chan Notification
	done   chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Debounce wraps src so that all notifications for one path within window
// are delivered as a single Notification. Errors pass through unchanged.
func Debounce(src Source, window time.Duration) Source {
	d := &debouncer{
		src:    src,
		window: window,
		events: make(chan Notification, defaultBufferSize),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *debouncer) Add(root string) error      { return d.src.Add(root) }
func (d *debouncer) Events() <-chan Notification { return d.events }
func (d *debouncer) Errors() <-chan error        { return d.src.Errors() }

func (d *debouncer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.src.Close()
		d.wg.Wait()
	})
	return err
}

func (d *debouncer) run() {
	defer d.wg.Done()
	defer close(d.events)

	var (
		pending = make(map[string]Kind)
		order   []string
		timer   *time.Timer
		fire    <-chan time.Time
	)

	flush := func() bool {
		for _, path := range order {
			select {
			case d.events <- Notification{Kind: pending[path], Path: path}:
			case <-d.done:
				return false
			}
		}
		clear(pending)
		order = order[:0]
		return true
	}

	for {
		select {
		case <-d.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case n, ok := <-d.src.Events():
			if !ok {
				flush()
				return
			}
			if n.Kind == KindOther {
				continue
			}
			if prev, seen := pending[n.Path]; seen {
				pending[n.Path] = merge(prev, n.Kind)
			} else {
				pending[n.Path] = n.Kind
				order = append(order, n.Path)
			}
			if fire == nil {
				timer = time.NewTimer(d.window)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			if !flush() {
				return
			}
		}
	}
}

// merge folds next into the pending kind of a path. A removal always wins;
// a write that follows a creation or removal means a new file now sits at
// the path.
func merge(prev, next Kind) Kind {
	switch {
	case next == KindRemove:
		return KindRemove
	case next == KindCreate:
		return KindCreate
	case prev == KindCreate || prev == KindRemove:
		return KindCreate
	default:
		return next
	}
}
