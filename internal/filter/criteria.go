// Package filter compiles structured filter criteria into predicates over
// reduced-log records. A compiled Predicate can be evaluated in memory or
// rendered as a SQL boolean expression for the storage engine.
package filter

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// DateLayout is the layout accepted for date-range bounds on the CLI.
const DateLayout = "2006-01-02"

// ErrUnsupportedCombinator is returned by ParseCombinator for unknown values.
var ErrUnsupportedCombinator = errors.New("unsupported search combinator")

// Combinator selects how search terms combine.
type Combinator string

const (
	CombinatorAny    Combinator = "any"
	CombinatorAll    Combinator = "all"
	CombinatorNone   Combinator = "none"
	CombinatorNotAll Combinator = "not all"
)

// ParseCombinator resolves s case-insensitively; "not-all" and "not_all"
// are accepted for "not all". Unknown values return CombinatorAny together
// with ErrUnsupportedCombinator.
func ParseCombinator(s string) (Combinator, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("-", " ", "_", " ").Replace(v)
	switch Combinator(v) {
	case CombinatorAny, "":
		return CombinatorAny, nil
	case CombinatorAll:
		return CombinatorAll, nil
	case CombinatorNone:
		return CombinatorNone, nil
	case CombinatorNotAll:
		return CombinatorNotAll, nil
	}
	return CombinatorAny, fmt.Errorf("%w: %q", ErrUnsupportedCombinator, s)
}

// DateRange selects events from the start of Start through the end of the
// day containing End.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseDateRange parses two DateLayout dates in UTC.
func ParseDateRange(from, to string) (*DateRange, error) {
	start, err := time.Parse(DateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("filter: start date: %w", err)
	}
	end, err := time.Parse(DateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("filter: end date: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("filter: end date %s before start date %s", to, from)
	}
	return &DateRange{Start: start, End: end}, nil
}

// Until returns the exclusive upper bound, one day past End.
func (d DateRange) Until() time.Time {
	return d.End.AddDate(0, 0, 1)
}

// SearchSpec is a list of LIKE patterns and how to combine them.
type SearchSpec struct {
	Terms      []string   `json:"terms,omitempty" yaml:"terms,omitempty"`
	Combinator Combinator `json:"combinator,omitempty" yaml:"combinator,omitempty"`
}

// Criteria is the structured filter. Absent (nil or empty) fields select
// everything.
type Criteria struct {
	DateRange  *DateRange        `json:"date_range,omitempty"`
	Users      []int64           `json:"users,omitempty"`
	Servers    []int64           `json:"servers,omitempty"`
	Search     SearchSpec        `json:"search"`
	QueryTypes []model.QueryType `json:"query_types,omitempty"`
	Negate     bool              `json:"negate,omitempty"`
}

// Equal compares criteria by value. Id and type lists compare as sets,
// search terms as an ordered sequence.
func (c Criteria) Equal(o Criteria) bool {
	if c.Negate != o.Negate {
		return false
	}
	if !equalDateRange(c.DateRange, o.DateRange) {
		return false
	}
	if !equalSet(c.Users, o.Users) || !equalSet(c.Servers, o.Servers) {
		return false
	}
	if !equalSet(c.QueryTypes, o.QueryTypes) {
		return false
	}
	if !slices.Equal(c.Search.Terms, o.Search.Terms) {
		return false
	}
	// Without terms the combinator has no effect.
	if len(c.Search.Terms) == 0 {
		return true
	}
	ca, _ := ParseCombinator(string(c.Search.Combinator))
	oa, _ := ParseCombinator(string(o.Search.Combinator))
	return ca == oa
}

func equalDateRange(a, b *DateRange) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

func equalSet[T interface{ ~int64 | ~string }](a, b []T) bool {
	as, bs := dedupeSorted(a), dedupeSorted(b)
	return slices.Equal(as, bs)
}

func dedupeSorted[T interface{ ~int64 | ~string }](in []T) []T {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
