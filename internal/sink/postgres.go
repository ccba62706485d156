package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taildir/taildir/internal/tail"
)

const (
	// DefaultPostgresBatchSize is the number of buffered batches that
	// triggers a synchronous flush.
	DefaultPostgresBatchSize = 100

	// DefaultPostgresFlushInterval is how often buffered batches are flushed
	// when the buffer has not filled up.
	DefaultPostgresFlushInterval = time.Second
)

const postgresDDL = `
CREATE TABLE IF NOT EXISTS tail_batches (
    id          BIGSERIAL   PRIMARY KEY,
    name        TEXT        NOT NULL,
    path        TEXT        NOT NULL,
    lines       TEXT[]      NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tail_batches_path_ts ON tail_batches (path, ts);
`

// PostgresSink inserts batches into the tail_batches table. Writes are
// buffered and sent in one pgx.Batch round-trip when the buffer reaches its
// size or the flush interval elapses, whichever comes first.
type PostgresSink struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	mu            sync.Mutex
	buf           []tail.Batch
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// OpenPostgres connects to dsn, ensures the schema exists and starts the
// background flush goroutine. Non-positive batchSize and flushInterval are
// replaced with the defaults.
func OpenPostgres(ctx context.Context, dsn string, batchSize int, flushInterval time.Duration, logger *slog.Logger) (*PostgresSink, error) {
	if batchSize <= 0 {
		batchSize = DefaultPostgresBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultPostgresFlushInterval
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: postgres schema: %w", err)
	}

	s := &PostgresSink{
		pool:          pool,
		logger:        logger,
		buf:           make([]tail.Batch, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *PostgresSink) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("sink: postgres flush failed", slog.Any("error", err))
			}
		}
	}
}

// Write buffers b. When the buffer is full it is flushed before Write
// returns, so a slow database slows the caller instead of growing memory.
func (s *PostgresSink) Write(ctx context.Context, b tail.Batch) error {
	if b.Time.IsZero() {
		b.Time = time.Now()
	}
	b = textColumns(b)
	if b.Lines == nil {
		b.Lines = []string{}
	}

	s.mu.Lock()
	s.buf = append(s.buf, b)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush sends every buffered batch to PostgreSQL. Each call drains its own
// snapshot of the buffer.
func (s *PostgresSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.buf
	s.buf = make([]tail.Batch, 0, s.batchSize)
	s.mu.Unlock()

	const query = `INSERT INTO tail_batches (name, path, lines, ts) VALUES ($1, $2, $3, $4)`

	pb := &pgx.Batch{}
	for i := range pending {
		b := &pending[i]
		pb.Queue(query, b.Name, b.Path, b.Lines, b.Time.UTC())
	}

	br := s.pool.SendBatch(ctx, pb)
	defer br.Close()
	for range pending {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("sink: postgres insert: %w", err)
		}
	}
	return nil
}

// Close stops the flush goroutine, flushes what is buffered and closes the
// pool. Calls after the first return nil.
func (s *PostgresSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.Flush(ctx)
		s.pool.Close()
	})
	return err
}

// textColumns makes b storable in TEXT columns, which reject invalid UTF-8
// and NUL bytes. One bad line would otherwise fail the whole flush.
func textColumns(b tail.Batch) tail.Batch {
	b = validUTF8(b)
	if !strings.ContainsRune(b.Name+b.Path+strings.Join(b.Lines, ""), 0) {
		return b
	}
	nul := strings.NewReplacer("\x00", string(utf8.RuneError))
	b.Name, b.Path = nul.Replace(b.Name), nul.Replace(b.Path)
	lines := make([]string, len(b.Lines))
	for i, line := range b.Lines {
		lines[i] = nul.Replace(line)
	}
	b.Lines = lines
	return b
}
