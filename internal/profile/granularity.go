package profile

import (
	"fmt"
	"strings"
	"time"
)

// LabelLayout formats bucket start times.
const LabelLayout = "2006-01-02T15:04:05"

// Granularity is the width of a time bucket.
type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
	Year  Granularity = "year"
)

// Granularities lists the supported granularities, finest first.
var Granularities = []Granularity{Hour, Day, Week, Month, Year}

// ParseGranularity resolves s case-insensitively. Empty means Day.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	if g == "" {
		return Day, nil
	}
	for _, known := range Granularities {
		if g == known {
			return g, nil
		}
	}
	return "", fmt.Errorf("profile: unknown granularity %q", s)
}

// Bucket maps t to its integer bucket key. Consecutive buckets have
// consecutive keys:
//
//	hour   hours since the Unix epoch
//	day    days since the Unix epoch
//	week   Monday-aligned weeks since the Unix epoch
//	month  year*12 + month-1
//	year   year
func (g Granularity) Bucket(t time.Time) int64 {
	t = t.UTC()
	switch g {
	case Hour:
		return floorDiv(t.Unix(), 3600)
	case Week:
		return floorDiv(floorDiv(t.Unix(), 86400)+3, 7)
	case Month:
		return int64(t.Year())*12 + int64(t.Month()) - 1
	case Year:
		return int64(t.Year())
	default:
		return floorDiv(t.Unix(), 86400)
	}
}

// Start returns the UTC instant at which bucket key begins.
func (g Granularity) Start(key int64) time.Time {
	switch g {
	case Hour:
		return time.Unix(key*3600, 0).UTC()
	case Week:
		return time.Unix((key*7-3)*86400, 0).UTC()
	case Month:
		year := floorDiv(key, 12)
		month := key - year*12
		return time.Date(int(year), time.Month(month+1), 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(int(key), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Unix(key*86400, 0).UTC()
	}
}

// Label renders bucket key as the start of its interval.
func (g Granularity) Label(key int64) string {
	return g.Start(key).Format(LabelLayout)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
