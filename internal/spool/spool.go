// Package spool stages the reduced records of one table on disk until the
// whole table can be committed.
package spool

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/tinytelemetry/qlprof/internal/model"
)

const (
	defaultFileMode = 0o644
	defaultDirMode  = 0o755
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

type entry struct {
	Seq    uint64                 `json:"seq"`
	Record model.ReducedLogRecord `json:"record"`
}

// Spool is an append-only JSON-lines file of reduced records. A spool that
// is discarded leaves nothing behind.
type Spool struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	n      uint64
}

// Create opens a fresh spool for table under dir. An existing spool for
// the same table is a leftover from an aborted run and is truncated.
func Create(dir, table string) (*Spool, error) {
	if table == "" {
		return nil, errors.New("spool: table name is empty")
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return nil, fmt.Errorf("spool: mkdir: %w", err)
	}

	path := filepath.Join(dir, unsafeName.ReplaceAllString(table, "_")+".spool")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("spool: open: %w", err)
	}
	return &Spool{path: path, file: f, writer: bufio.NewWriter(f)}, nil
}

// Path returns the spool file path.
func (s *Spool) Path() string { return s.path }

// Len returns the number of appended records.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.n)
}

// Append writes one record.
func (s *Spool) Append(rec *model.ReducedLogRecord) error {
	if rec == nil {
		return errors.New("spool: nil record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("spool: closed")
	}

	line, err := json.Marshal(entry{Seq: s.n + 1, Record: *rec})
	if err != nil {
		return fmt.Errorf("spool: marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("spool: write: %w", err)
	}
	s.n++
	return nil
}

// Replay flushes pending writes and calls fn for every record in append
// order. A truncated or malformed line is an error: a table is only
// committed from a complete spool.
func (s *Spool) Replay(fn func(rec *model.ReducedLogRecord) error) error {
	if fn == nil {
		return errors.New("spool: replay callback is nil")
	}

	s.mu.Lock()
	if s.file == nil {
		s.mu.Unlock()
		return errors.New("spool: closed")
	}
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("spool: flush: %w", err)
	}
	path, want := s.path, s.n
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("spool: open for replay: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var seen uint64
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				return fmt.Errorf("spool: partial line after seq %d", seen)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("spool: replay read: %w", err)
		}

		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("spool: malformed line after seq %d: %w", seen, err)
		}
		if e.Seq != seen+1 {
			return fmt.Errorf("spool: sequence gap: got %d after %d", e.Seq, seen)
		}
		seen = e.Seq
		rec := e.Record
		if err := fn(&rec); err != nil {
			return err
		}
	}
	if seen != want {
		return fmt.Errorf("spool: replayed %d records, appended %d", seen, want)
	}
	return nil
}

// Close flushes and closes the file, keeping it on disk.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	ferr := s.writer.Flush()
	cerr := s.file.Close()
	s.file = nil
	return errors.Join(ferr, cerr)
}

// Discard closes and removes the spool file.
func (s *Spool) Discard() error {
	cerr := s.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(cerr, fmt.Errorf("spool: remove: %w", err))
	}
	return cerr
}
