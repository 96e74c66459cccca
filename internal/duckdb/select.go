package duckdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/qlprof/internal/filter"
	"github.com/tinytelemetry/qlprof/internal/model"
)

// Scan streams the records of table matching p in event-time order. An
// empty table name scans every reduced table. The store's query timeout
// applies to running the query, not to the time spent in fn.
func (s *Store) Scan(ctx context.Context, table string, p filter.Predicate, fn func(*model.ReducedLogRecord) error) error {
	var conds []string
	var args []any
	if table != "" {
		conds = append(conds, "table_name = ?")
		args = append(args, table)
	}
	if where := filter.WhereClause(p); where != "" {
		conds = append(conds, "("+strings.TrimPrefix(where, "WHERE ")+")")
	}

	query := "SELECT event_time, user_id, server_id, thread_id, query_type, query, vals FROM reduced_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_time, user_id"

	s.mu.RLock()
	defer s.mu.RUnlock()

	// The query timeout bounds execution only. Once rows stream, the
	// caller's ctx alone decides how long fn may run.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := time.AfterFunc(s.QueryTimeout, cancel)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if !timer.Stop() {
		if rows != nil {
			rows.Close()
		}
		return fmt.Errorf("duckdb: select reduced_log: %w", context.DeadlineExceeded)
	}
	if err != nil {
		return fmt.Errorf("duckdb: select reduced_log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r model.ReducedLogRecord
		var qt string
		if err := rows.Scan(&r.EventTime, &r.UserID, &r.ServerID, &r.ThreadID, &qt, &r.Query, &r.Values); err != nil {
			return fmt.Errorf("duckdb: scan reduced_log: %w", err)
		}
		r.Type = model.QueryType(qt)
		r.EventTime = r.EventTime.UTC()
		if err := fn(&r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Select returns the records of table matching p.
func (s *Store) Select(ctx context.Context, table string, p filter.Predicate) ([]model.ReducedLogRecord, error) {
	var out []model.ReducedLogRecord
	err := s.Scan(ctx, table, p, func(r *model.ReducedLogRecord) error {
		out = append(out, *r)
		return nil
	})
	return out, err
}
