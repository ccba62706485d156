// Package tail is the tail-state engine: it keeps one open handle and read
// offset per watched file, turns filesystem change notifications into
// batches of newly appended lines, and recovers from rotation and
// truncation.
//
// A run has two phases. Initialisation registers every matching file at its
// current end (Register) and arms the notification source on the directory
// tree. The running phase receives one notification at a time, translates it
// (Translator) and hands non-empty batches to the consumer callback before
// receiving the next one.
package tail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/taildir/taildir/internal/notify"
)

// ErrSourceClosed is returned by Run when the notification source stops
// delivering events, for example because the watched directory was deleted.
var ErrSourceClosed = errors.New("tail: notification source closed")

// Callback receives the base name of a file and the lines appended to it.
// It is only invoked with at least one line.
type Callback func(name string, lines []string)

// BatchFunc receives every non-empty Batch.
type BatchFunc func(b *Batch)

// Watcher runs the watch loop for one WatchOption.
type Watcher struct {
	opt   WatchOption
	table atomic.Pointer[Table]
}

// NewWatcher returns a Watcher for opt. Nothing is opened until Run.
func NewWatcher(opt WatchOption) *Watcher {
	return &Watcher{opt: opt}
}

// WatchDir tails opt.Dir until ctx is cancelled or the notification source
// fails, invoking callback for every non-empty batch.
func WatchDir(ctx context.Context, opt WatchOption, callback Callback) error {
	return NewWatcher(opt).Run(ctx, callback)
}

// Handles returns the number of files currently tailed, or zero before Run
// has registered the directory.
func (w *Watcher) Handles() int {
	if t := w.table.Load(); t != nil {
		return t.Len()
	}
	return 0
}

// Run registers the directory, arms the notification source and processes
// notifications until ctx is done (returning ctx.Err()) or the source closes
// (returning ErrSourceClosed). Setup failures are returned immediately. All
// file handles are closed before Run returns.
func (w *Watcher) Run(ctx context.Context, callback Callback) error {
	return w.RunBatches(ctx, func(b *Batch) { callback(b.Name, b.Lines) })
}

// RunBatches is Run for consumers that need the full Batch.
func (w *Watcher) RunBatches(ctx context.Context, fn BatchFunc) error {
	logger := w.opt.Logger

	table, err := Register(w.opt.Dir, w.opt.FileFilter, logger)
	if err != nil {
		return err
	}
	w.table.Store(table)
	defer table.Close()

	src := w.opt.source
	if src == nil {
		src, err = notify.New(notify.Config{
			Backend:      w.opt.Backend,
			PollInterval: w.opt.PollInterval,
			Debounce:     w.opt.Debounce,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("tail: create notification source: %w", err)
		}
	}
	defer src.Close()

	if err := src.Add(w.opt.Dir); err != nil {
		return fmt.Errorf("tail: arm notification source on %q: %w", w.opt.Dir, err)
	}

	deliver, stop := w.deliverer(ctx, fn)
	defer stop()

	tr := NewTranslator(table, w.opt)
	logger.Info("tail: watching",
		slog.String("dir", w.opt.Dir),
		slog.String("backend", string(w.opt.Backend)),
		slog.Duration("debounce", w.opt.Debounce),
	)

	events, errs := src.Events(), src.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-events:
			if !ok {
				return ErrSourceClosed
			}
			batch, err := tr.Translate(n)
			if err != nil {
				logger.Warn("tail: translate error",
					slog.String("path", n.Path),
					slog.String("kind", n.Kind.String()),
					slog.Any("error", err),
				)
				continue
			}
			if batch != nil && len(batch.Lines) > 0 {
				deliver(batch)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("tail: notification source error", slog.Any("error", err))
		}
	}
}

// deliverer returns the function the loop uses to hand a batch to fn and a
// stop function that waits for queued batches to be delivered. Without a
// queue fn runs inline; with one, a full queue blocks the loop.
func (w *Watcher) deliverer(ctx context.Context, fn BatchFunc) (BatchFunc, func()) {
	if w.opt.QueueSize <= 0 {
		return fn, func() {}
	}

	queue := make(chan *Batch, w.opt.QueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := range queue {
			fn(b)
		}
	}()

	deliver := func(b *Batch) {
		select {
		case queue <- b:
		case <-ctx.Done():
		}
	}
	stop := func() {
		close(queue)
		wg.Wait()
	}
	return deliver, stop
}
