package profile

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/qlprof/internal/filter"
	"github.com/tinytelemetry/qlprof/internal/model"
)

// Scanner streams the reduced records of a table that satisfy a predicate.
// An empty table name spans every reduced table.
type Scanner interface {
	Scan(ctx context.Context, table string, p filter.Predicate, fn func(*model.ReducedLogRecord) error) error
}

// Run selects the records matching p and aggregates them.
func Run(ctx context.Context, s Scanner, table string, p filter.Predicate, g Granularity, topN int) (Profile, error) {
	b := NewBuilder(g, topN)
	err := s.Scan(ctx, table, p, func(r *model.ReducedLogRecord) error {
		b.Add(r)
		return nil
	})
	if err != nil {
		return Profile{}, fmt.Errorf("profile: select: %w", err)
	}
	return b.Finish(), nil
}
