package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/model"
)

const (
	// StdinPath selects standard input as a TSV file.
	StdinPath = "-"

	// TSVTimeLayout is the event time format; fractional seconds are accepted.
	TSVTimeLayout = "2006-01-02 15:04:05"

	// DefaultMaxLineSize bounds a single TSV line.
	DefaultMaxLineSize = 1024 * 1024

	tsvColumns = 6
)

// TSVSource reads general_log dumps with the columns event_time, user_host,
// thread_id, server_id, command_type, argument. Each file is one table named
// after its base name without extension.
type TSVSource struct {
	files  map[string]string
	stdin  io.Reader
	logger *zap.Logger
}

// NewTSVSource maps each path to a table. Two paths with the same table
// name are an error.
func NewTSVSource(paths []string, logger *zap.Logger) (*TSVSource, error) {
	return newTSVSource(paths, os.Stdin, logger)
}

func newTSVSource(paths []string, stdin io.Reader, logger *zap.Logger) (*TSVSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(paths) == 0 {
		paths = []string{StdinPath}
	}

	files := make(map[string]string, len(paths))
	for _, p := range paths {
		table := TableNameForPath(p)
		if err := ValidateTableName(table); err != nil {
			return nil, err
		}
		if prev, ok := files[table]; ok {
			return nil, fmt.Errorf("logsource: %s and %s both map to table %s", prev, p, table)
		}
		files[table] = p
	}
	return &TSVSource{files: files, stdin: stdin, logger: logger.Named("logsource")}, nil
}

// TableNameForPath returns the table a file is reduced into.
func TableNameForPath(path string) string {
	if path == StdinPath {
		return "stdin"
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *TSVSource) Name() string { return "tsv" }

func (s *TSVSource) Tables(context.Context) ([]string, error) {
	out := make([]string, 0, len(s.files))
	for table := range s.files {
		out = append(out, table)
	}
	sort.Strings(out)
	return out, nil
}

// Rows streams every well-formed line of the table's file. Malformed lines
// are logged and skipped.
func (s *TSVSource) Rows(ctx context.Context, table string, fn func(model.RawLogRow) error) error {
	path, ok := s.files[table]
	if !ok {
		return fmt.Errorf("logsource: unknown table %q", table)
	}

	var r io.Reader
	if path == StdinPath {
		r = s.stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("logsource: open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), DefaultMaxLineSize)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		row, err := ParseTSVLine(line)
		if err != nil {
			s.logger.Warn("skipping malformed line",
				zap.String("table", table),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("logsource: %s line %d exceeds %d bytes: %w", path, lineNo+1, DefaultMaxLineSize, err)
		}
		return fmt.Errorf("logsource: read %s: %w", path, err)
	}
	return nil
}

// ParseTSVLine parses one dump line. The argument column keeps any
// embedded tabs.
func ParseTSVLine(line string) (model.RawLogRow, error) {
	fields := strings.SplitN(line, "\t", tsvColumns)
	if len(fields) != tsvColumns {
		return model.RawLogRow{}, fmt.Errorf("want %d columns, got %d", tsvColumns, len(fields))
	}

	at, err := time.ParseInLocation(TSVTimeLayout, fields[0], time.UTC)
	if err != nil {
		return model.RawLogRow{}, fmt.Errorf("event_time: %w", err)
	}
	thread, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return model.RawLogRow{}, fmt.Errorf("thread_id: %w", err)
	}
	server, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return model.RawLogRow{}, fmt.Errorf("server_id: %w", err)
	}

	return model.RawLogRow{
		EventTime:      at,
		IdentityString: fields[1],
		ThreadID:       thread,
		ServerID:       server,
		CommandType:    model.CommandType(fields[4]),
		QueryText:      fields[5],
	}, nil
}
