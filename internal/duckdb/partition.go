package duckdb

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PartitionUpperBound returns the exclusive upper bound of a monthly table
// named YYYY_MM: the first day of the following month.
func PartitionUpperBound(table string) (time.Time, error) {
	y, m, ok := strings.Cut(table, "_")
	if !ok {
		return time.Time{}, fmt.Errorf("duckdb: table %q is not named YYYY_MM", table)
	}
	year, err := strconv.Atoi(y)
	if err != nil {
		return time.Time{}, fmt.Errorf("duckdb: table %q year: %w", table, err)
	}
	month, err := strconv.Atoi(m)
	if err != nil {
		return time.Time{}, fmt.Errorf("duckdb: table %q month: %w", table, err)
	}
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("duckdb: table %q month %d out of range", table, month)
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0), nil
}

// PartitionDefinition renders the MySQL RANGE partition clause holding a
// monthly table's rows.
func PartitionDefinition(table string) (string, error) {
	bound, err := PartitionUpperBound(table)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PARTITION %s VALUES LESS THAN (TO_DAYS('%s'))", table, bound.Format("2006-01-02")), nil
}
