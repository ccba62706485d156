// Package queue is the on-disk spool behind the spool sink. A watch run
// appends every batch it is handed; `taildir drain` later reads the rows
// that are still unacknowledged, writes them elsewhere and acknowledges
// them. Rows stay readable until acknowledged, across restarts, so a drain
// that dies halfway repeats its last round on the next run.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/taildir/taildir/internal/tail"
)

// pragmas are applied to every connection through the DSN.
const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

const schema = `
CREATE TABLE IF NOT EXISTS spool (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    file_name  TEXT    NOT NULL,
    file_path  TEXT    NOT NULL,
    lines_json TEXT    NOT NULL,
    read_ns    INTEGER NOT NULL,
    spooled_ns INTEGER NOT NULL,
    acked_ns   INTEGER
);
CREATE INDEX IF NOT EXISTS spool_unacked ON spool (seq) WHERE acked_ns IS NULL;
`

// SQLiteQueue is the spool. Its methods may be called concurrently.
type SQLiteQueue struct {
	db      *sql.DB
	pending atomic.Int64
}

// PendingBatch is a spooled batch not yet acknowledged. ID is passed to Ack.
type PendingBatch struct {
	ID    int64
	Batch tail.Batch
}

// New opens the spool database at path, creating it and its schema when
// missing. ":memory:" gives a private database that vanishes on Close.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}
	// One connection: SQLite has a single writer, and ":memory:" exists per
	// connection.
	db.SetMaxOpenConns(1)

	q := &SQLiteQueue{db: db}
	if err := q.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: init %q: %w", path, err)
	}
	return q, nil
}

func (q *SQLiteQueue) init() error {
	if _, err := q.db.Exec(schema); err != nil {
		return err
	}
	var n int64
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM spool WHERE acked_ns IS NULL`).Scan(&n); err != nil {
		return err
	}
	q.pending.Store(n)
	return nil
}

// Enqueue appends b. A batch without a read time is stamped with now.
func (q *SQLiteQueue) Enqueue(ctx context.Context, b tail.Batch) error {
	if b.Lines == nil {
		b.Lines = []string{}
	}
	lines, err := json.Marshal(b.Lines)
	if err != nil {
		return fmt.Errorf("queue: encode lines: %w", err)
	}
	now := time.Now()
	read := b.Time
	if read.IsZero() {
		read = now
	}

	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO spool (file_name, file_path, lines_json, read_ns, spooled_ns) VALUES (?, ?, ?, ?, ?)`,
		b.Name, b.Path, string(lines), read.UnixNano(), now.UnixNano(),
	); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", b.Name, err)
	}
	q.pending.Add(1)
	return nil
}

// Dequeue returns at most n unacknowledged batches in spool order without
// acknowledging them. n <= 0 returns nil.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingBatch, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, file_name, file_path, lines_json, read_ns FROM spool
		 WHERE acked_ns IS NULL ORDER BY seq LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	defer rows.Close()

	out := make([]PendingBatch, 0, n)
	for rows.Next() {
		pb, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		out = append(out, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	return out, nil
}

func scanPending(rows *sql.Rows) (PendingBatch, error) {
	var (
		pb     PendingBatch
		lines  string
		readNS int64
	)
	if err := rows.Scan(&pb.ID, &pb.Batch.Name, &pb.Batch.Path, &lines, &readNS); err != nil {
		return pb, err
	}
	pb.Batch.Time = time.Unix(0, readNS).UTC()
	if err := json.Unmarshal([]byte(lines), &pb.Batch.Lines); err != nil {
		// Undecodable lines must not wedge the spool; the row is still
		// handed out so it can be acknowledged.
		pb.Batch.Lines = nil
	}
	return pb, nil
}

// Ack acknowledges the batches with the given IDs in one transaction.
// Unknown and already acknowledged IDs are ignored.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) (err error) {
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `UPDATE spool SET acked_ns = ? WHERE seq = ? AND acked_ns IS NULL`)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	var acked int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, now, id)
		if err != nil {
			return fmt.Errorf("queue: ack %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		acked += n
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: ack commit: %w", err)
	}
	q.pending.Add(-acked)
	return nil
}

// Compact deletes acknowledged rows and returns how many were removed.
func (q *SQLiteQueue) Compact(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM spool WHERE acked_ns IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("queue: compact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		// Reclaim WAL space held by the deleted rows.
		_, _ = q.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	}
	return n, nil
}

// Depth is the number of unacknowledged batches. It does not query the
// database.
func (q *SQLiteQueue) Depth() int {
	return int(q.pending.Load())
}

// Close closes the database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
