package tail

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/taildir/taildir/internal/filter"
	"github.com/taildir/taildir/internal/notify"
)

// Batch is the result of translating one notification: the lines appended
// to one file since its last read that passed the line filter. Lines keep
// their terminators and are in file order.
type Batch struct {
	// Name is the base name of the file.
	Name string
	// Path is the full path of the file.
	Path string
	// Lines may be empty when everything read was filtered out.
	Lines []string
	// Time is when the lines were read.
	Time time.Time
}

// Translator turns change notifications into Batches, maintaining the
// offsets in its Table. It is not safe for concurrent use.
type Translator struct {
	table      *Table
	fileFilter filter.FileFilter
	lineFilter filter.LineFilter
	limiter    *reopenLimiter
	logger     *slog.Logger
}

// NewTranslator returns a Translator over table using the filters, reopen
// limit and logger of opt.
func NewTranslator(table *Table, opt WatchOption) *Translator {
	return &Translator{
		table:      table,
		fileFilter: opt.FileFilter,
		lineFilter: opt.LineFilter,
		limiter:    newReopenLimiter(opt.ReopenLimit, opt.ReopenBurst),
		logger:     opt.Logger,
	}
}

// Translate applies n to the table. Create and write notifications return
// the newly appended lines of the file (nil when the file is filtered out,
// vanished, or its reopen was throttled). Remove notifications drop the
// handle and return nil. An error means the file could not be read; its
// handle has been dropped so a later notification reopens it.
func (tr *Translator) Translate(n notify.Notification) (*Batch, error) {
	switch n.Kind {
	case notify.KindCreate, notify.KindWrite:
		return tr.collect(n.Path)
	case notify.KindRemove:
		if tr.table.Remove(n.Path) {
			tr.logger.Debug("tail: handle removed", slog.String("path", n.Path))
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (tr *Translator) collect(path string) (*Batch, error) {
	name := filepath.Base(path)
	if !tr.fileFilter(name) {
		return nil, nil
	}

	h, ok := tr.table.Get(path)
	switch {
	case !ok:
		// Debounced delivery does not reliably report the remove/create
		// pair of a rotation, so a miss is treated as a new file.
		var err error
		if h, err = tr.reopen(path, rotationMissing); h == nil {
			return nil, err
		}
	case replaced(h):
		var err error
		if h, err = tr.reopen(path, rotationReplaced); h == nil {
			return nil, err
		}
	}

	lines, err := tr.read(h)
	if err != nil {
		tr.table.Remove(path)
		metricTranslateErrors.Inc()
		return nil, fmt.Errorf("tail: read %q: %w", path, err)
	}
	return &Batch{Name: name, Path: h.path, Lines: lines, Time: time.Now().UTC()}, nil
}

// reopen opens path from offset 0. It returns a nil Handle without error
// when the file is gone, is not a regular file, or the reopen limit denied
// the attempt.
func (tr *Translator) reopen(path, reason string) (*Handle, error) {
	if !tr.limiter.Allow(path) {
		metricReopenThrottled.Inc()
		tr.logger.Warn("tail: reopen throttled", slog.String("path", path))
		return nil, nil
	}

	h, err := tr.table.Open(path, false)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errNotRegular) {
			tr.table.Remove(path)
			return nil, nil
		}
		tr.table.Remove(path)
		metricTranslateErrors.Inc()
		return nil, fmt.Errorf("tail: reopen %q: %w", path, err)
	}

	metricRotations.WithLabelValues(reason).Inc()
	tr.logger.Info("tail: file reopened",
		slog.String("path", path),
		slog.String("reason", reason),
	)
	return h, nil
}

// replaced reports whether the path of h now names a different file than
// the open descriptor, as after a rename-and-recreate that arrived as a
// single notification.
func replaced(h *Handle) bool {
	onDisk, err := os.Stat(h.path)
	if err != nil {
		return false
	}
	open, err := h.file.Stat()
	if err != nil {
		return false
	}
	return !os.SameFile(onDisk, open)
}

// read consumes the bytes between the handle offset and the file length
// observed now. The offset advances over every consumed byte, whether or not
// the line passed the filter. A trailing fragment without a terminator is
// delivered as it stands.
func (tr *Translator) read(h *Handle) ([]string, error) {
	end, err := h.size()
	if err != nil {
		return nil, err
	}
	if end < h.offset {
		// Truncated in place; undelivered bytes before the cut are lost.
		tr.logger.Info("tail: file truncated",
			slog.String("path", h.path),
			slog.Int64("offset", h.offset),
			slog.Int64("size", end),
		)
		metricRotations.WithLabelValues(rotationTruncated).Inc()
		h.offset = 0
	}

	lines := []string{}
	if end == h.offset {
		return lines, nil
	}

	r := bufio.NewReader(h.section(end))
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			h.offset += int64(len(line))
			metricBytesRead.Add(float64(len(line)))
			if tr.lineFilter(line) {
				lines = append(lines, line)
				metricLinesDelivered.Inc()
			} else {
				metricLinesFiltered.Inc()
			}
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
	}
}
