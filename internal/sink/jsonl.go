package sink

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/taildir/taildir/internal/tail"
)

// GenesisHash is the prev_hash of the first record of a log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxRecordSize bounds one JSON line when reading a log back.
const maxRecordSize = 16 * 1024 * 1024

// Record is one line of the JSONL log. Hash is the SHA-256 of the record
// encoded without Hash; PrevHash links it to the previous record. Strings
// are valid UTF-8 so that decoding and re-encoding reproduces the hashed
// bytes.
type Record struct {
	Seq      int64     `json:"seq"`
	Time     time.Time `json:"ts"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Lines    []string  `json:"lines"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash,omitempty"`
}

// JSONLSink appends one hash-chained Record per batch to a file opened with
// O_APPEND.
type JSONLSink struct {
	mu       sync.Mutex
	file     *os.File
	seq      int64
	prevHash string
}

// OpenJSONL opens or creates the log at path. An existing log is verified
// and the sequence continues from its last record.
func OpenJSONL(path string) (*JSONLSink, error) {
	seq, prevHash := int64(0), GenesisHash

	records, err := Verify(path)
	switch {
	case err == nil:
		if n := len(records); n > 0 {
			seq, prevHash = records[n-1].Seq, records[n-1].Hash
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sink: open %q: %w", path, err)
	}
	return &JSONLSink{file: f, seq: seq, prevHash: prevHash}, nil
}

// Write appends b as the next record.
func (s *JSONLSink) Write(_ context.Context, b tail.Batch) error {
	b = validUTF8(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := b.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	r := Record{
		Seq:      s.seq + 1,
		Time:     ts.UTC(),
		Name:     b.Name,
		Path:     b.Path,
		Lines:    b.Lines,
		PrevHash: s.prevHash,
	}
	if r.Lines == nil {
		r.Lines = []string{}
	}
	r.Hash = hashRecord(r)

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sink: marshal record: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sink: append record: %w", err)
	}

	s.seq = r.Seq
	s.prevHash = r.Hash
	return nil
}

// Close syncs and closes the log file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("sink: sync: %w", err)
	}
	return s.file.Close()
}

// Verify reads the log at path and checks every link of the hash chain. It
// returns the records in order, or the first malformed or broken record.
func Verify(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("sink: malformed record after seq %d: %w", len(records), err)
		}
		if r.PrevHash != prevHash {
			return nil, fmt.Errorf("sink: chain break at seq %d: expected prev_hash %q, got %q",
				r.Seq, prevHash, r.PrevHash)
		}
		if computed := hashRecord(r); computed != r.Hash {
			return nil, fmt.Errorf("sink: hash mismatch at seq %d: stored %q, computed %q",
				r.Seq, r.Hash, computed)
		}
		records = append(records, r)
		prevHash = r.Hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sink: read %q: %w", path, err)
	}
	return records, nil
}

func hashRecord(r Record) string {
	r.Hash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		// Record holds only strings, integers and a time.
		panic(fmt.Sprintf("sink: marshal record: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
