// Package mappinglog records which source image went to which target, one
// self-contained JSON object per line, append-only. Consumers must treat the
// log as a concatenation of independently valid objects, not one JSON array.
package mappinglog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

// Outcome of one sync attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Record is one logged mapping. Immutable once written.
type Record struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Digest    string    `json:"digest,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
}

// Success builds a success record stamped with the current UTC time.
func Success(source, target string, dgst digest.Digest) Record {
	return Record{
		Source:    source,
		Target:    target,
		Digest:    string(dgst),
		Timestamp: time.Now().UTC(),
		Outcome:   OutcomeSuccess,
	}
}

// Failed builds a failure record carrying the reason.
func Failed(source, target string, reason error) Record {
	return Record{
		Source:    source,
		Target:    target,
		Timestamp: time.Now().UTC(),
		Outcome:   OutcomeFailed,
		Reason:    reason.Error(),
	}
}

// Writer appends records to a log file. Safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// OpenWriter opens (or creates) the log at path for appending. Existing
// content is never overwritten.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening mapping log %q: %w", path, err)
	}
	return &Writer{f: f}, nil
}

// Append writes rec as exactly one line. The record is marshaled first and
// written with a single O_APPEND write, so an interruption between two calls
// never leaves a partial or interleaved record behind.
func (w *Writer) Append(rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling mapping record: %w", err)
	}
	buf = append(buf, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("appending mapping record: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.f.Close()
}

// Load reads every record from the log at path, in file order. A missing
// file yields an empty log.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("opening mapping log %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	dec := json.NewDecoder(f)
	for {
		var rec Record
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			return records, nil
		} else if err != nil {
			return nil, fmt.Errorf("decoding mapping log %q: %w", path, err)
		}
		records = append(records, rec)
	}
}
