package duckdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// ErrAlreadyReduced is returned when a table has been committed before.
var ErrAlreadyReduced = errors.New("table already reduced")

// RecordSource replays the records of one table reduction.
type RecordSource interface {
	Replay(fn func(rec *model.ReducedLogRecord) error) error
}

// TableCommit is everything produced by reducing one source table.
type TableCommit struct {
	Table      string
	RunID      string
	Records    RecordSource
	NewUsers   []model.RegistryEntry
	NewServers []model.RegistryEntry
}

// ReducedTable describes one committed table.
type ReducedTable struct {
	Name       string    `json:"name"`
	RunID      string    `json:"run_id"`
	Rows       int64     `json:"rows"`
	ReducedAt  time.Time `json:"reduced_at"`
	UpperBound time.Time `json:"upper_bound,omitzero"`
}

// CommitTable persists a table reduction in a single transaction: registry
// entries, reduced records and the reduced_tables marker. On any error
// nothing is written.
func (s *Store) CommitTable(ctx context.Context, c TableCommit) (int64, error) {
	if c.Table == "" {
		return 0, errors.New("duckdb: commit: empty table name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("duckdb: begin commit %s: %w", c.Table, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM reduced_tables WHERE table_name = ?", c.Table).Scan(&exists); err != nil {
		return 0, fmt.Errorf("duckdb: check %s: %w", c.Table, err)
	}
	if exists > 0 {
		return 0, fmt.Errorf("duckdb: %s: %w", c.Table, ErrAlreadyReduced)
	}

	if err := appendRegistryTx(ctx, tx, model.KindUsers, c.NewUsers); err != nil {
		return 0, err
	}
	if err := appendRegistryTx(ctx, tx, model.KindServers, c.NewServers); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO reduced_log
		(table_name, event_time, user_id, server_id, thread_id, query_type, query, vals)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("duckdb: prepare insert: %w", err)
	}
	defer stmt.Close()

	var rows int64
	if c.Records != nil {
		err = c.Records.Replay(func(r *model.ReducedLogRecord) error {
			if _, err := stmt.ExecContext(ctx,
				c.Table, r.EventTime.UTC(), r.UserID, r.ServerID, r.ThreadID,
				string(r.Type), r.Query, r.Values,
			); err != nil {
				return fmt.Errorf("record insert: %w", err)
			}
			rows++
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("duckdb: commit %s: %w", c.Table, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO reduced_tables (table_name, run_id, row_count, reduced_at) VALUES (?, ?, ?, ?)",
		c.Table, c.RunID, rows, time.Now().UTC(),
	); err != nil {
		return 0, fmt.Errorf("duckdb: mark %s reduced: %w", c.Table, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("duckdb: commit %s: %w", c.Table, err)
	}
	committed = true

	s.logger.Debug("committed table",
		zap.String("table", c.Table),
		zap.String("run_id", c.RunID),
		zap.Int64("rows", rows),
		zap.Int("new_users", len(c.NewUsers)),
		zap.Int("new_servers", len(c.NewServers)))
	return rows, nil
}

// IsReduced reports whether table has been committed.
func (s *Store) IsReduced(ctx context.Context, table string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reduced_tables WHERE table_name = ?", table).Scan(&n); err != nil {
		return false, fmt.Errorf("duckdb: check %s: %w", table, err)
	}
	return n > 0, nil
}

// ReducedTables lists committed tables in name order. Tables named YYYY_MM
// carry their partition upper bound.
func (s *Store) ReducedTables(ctx context.Context) ([]ReducedTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT table_name, run_id, row_count, reduced_at FROM reduced_tables ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("duckdb: list reduced tables: %w", err)
	}
	defer rows.Close()

	var out []ReducedTable
	for rows.Next() {
		var t ReducedTable
		if err := rows.Scan(&t.Name, &t.RunID, &t.Rows, &t.ReducedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan reduced table: %w", err)
		}
		if bound, err := PartitionUpperBound(t.Name); err == nil {
			t.UpperBound = bound
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
