// Package logsource reads raw query-log rows from MySQL general_log tables
// or tab-separated dumps.
package logsource

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// RowSource is a set of named source tables that can be streamed row by row.
type RowSource interface {
	Name() string
	Tables(ctx context.Context) ([]string, error)
	Rows(ctx context.Context, table string, fn func(model.RawLogRow) error) error
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateTableName rejects names that cannot be used unquoted in SQL.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("logsource: invalid table name %q", name)
	}
	return nil
}
