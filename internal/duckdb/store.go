// Package duckdb persists the reduced log and the user/server registries
// in an embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/duckdb/migrate"
	"github.com/tinytelemetry/qlprof/internal/model"
)

// Store manages the DuckDB connection. Writes take the write lock so a
// table commit never interleaves with reads of the same data.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	logger       *zap.Logger
	QueryTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.Named("duckdb")
		}
	}
}

// WithQueryTimeout overrides the per-query timeout (default 30s).
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.QueryTimeout = d
		}
	}
}

// NewStore opens or creates a DuckDB database and applies migrations.
// An empty dbPath opens an in-memory database.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("duckdb: create data dir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open: %w", err)
	}

	s := &Store{
		db:           db,
		dbPath:       dbPath,
		logger:       zap.NewNop(),
		QueryTimeout: model.DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()
	applied, err := migrate.NewRunner(db).Run(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if applied > 0 {
		s.logger.Info("applied schema migrations", zap.Int("count", applied), zap.String("path", dbPath))
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path, empty for in-memory stores.
func (s *Store) Path() string { return s.dbPath }

// queryCtx bounds ctx by the store's query timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.QueryTimeout)
}

// RowCount returns the number of reduced-log rows across all tables.
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reduced_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count reduced_log: %w", err)
	}
	return n, nil
}
