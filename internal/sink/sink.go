// Package sink holds the consumers a watch run delivers batches to: a
// console writer, a hash-chained JSON-lines log, and the SQLite spool.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/taildir/taildir/internal/tail"
)

// Sink consumes delivered batches. Implementations are safe for concurrent
// use.
type Sink interface {
	Write(ctx context.Context, b tail.Batch) error
	Close() error
}

// WriterSink prints each batch as a header line followed by its lines.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// Writer returns a Sink printing to w.
func Writer(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write prints b. A line without a terminator gets one so the next header
// starts on its own line.
func (s *WriterSink) Write(_ context.Context, b tail.Batch) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "received %d lines, file: %s\n", len(b.Lines), b.Name)
	for _, line := range b.Lines {
		sb.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			sb.WriteByte('\n')
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, sb.String()); err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	return nil
}

// Close is a no-op; the writer belongs to the caller.
func (s *WriterSink) Close() error { return nil }

// Enqueuer is the part of the spool queue the Spool sink needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, b tail.Batch) error
}

// SpoolSink persists each batch for a downstream reader.
type SpoolSink struct {
	q Enqueuer
}

// Spool returns a Sink enqueueing to q. The queue is not closed by the sink.
func Spool(q Enqueuer) *SpoolSink {
	return &SpoolSink{q: q}
}

func (s *SpoolSink) Write(ctx context.Context, b tail.Batch) error {
	if err := s.q.Enqueue(ctx, validUTF8(b)); err != nil {
		return fmt.Errorf("sink: spool: %w", err)
	}
	return nil
}

func (s *SpoolSink) Close() error { return nil }

// MultiSink fans a batch out to several sinks.
type MultiSink struct {
	sinks  []Sink
	logger *slog.Logger
}

// Multi returns a Sink writing to every one of sinks in order. A failing
// sink does not stop the others; its error is logged and included in the
// joined result.
func Multi(logger *slog.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

func (m *MultiSink) Write(ctx context.Context, b tail.Batch) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, b); err != nil {
			m.logger.Error("sink: write failed",
				slog.String("file", b.Name),
				slog.Int("lines", len(b.Lines)),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// validUTF8 returns b with every invalid byte sequence in its name, path and
// lines replaced by U+FFFD, so the batch survives a JSON or text column round
// trip unchanged. b.Lines is never modified in place.
func validUTF8(b tail.Batch) tail.Batch {
	b.Name = strings.ToValidUTF8(b.Name, string(utf8.RuneError))
	b.Path = strings.ToValidUTF8(b.Path, string(utf8.RuneError))
	for i, line := range b.Lines {
		if utf8.ValidString(line) {
			continue
		}
		lines := make([]string, len(b.Lines))
		copy(lines, b.Lines[:i])
		for j := i; j < len(b.Lines); j++ {
			lines[j] = strings.ToValidUTF8(b.Lines[j], string(utf8.RuneError))
		}
		b.Lines = lines
		break
	}
	return b
}
