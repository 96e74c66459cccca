package model

import (
	"fmt"
	"strings"
	"time"
)

// CommandType is the command class of a raw query-log row.
type CommandType string

const (
	CommandExecute CommandType = "Execute"
	CommandQuery   CommandType = "Query"
)

// Reducible reports whether rows of this command type carry a query worth
// reducing. Connect, Quit, Prepare and friends are skipped.
func (c CommandType) Reducible() bool {
	return c == CommandExecute || c == CommandQuery
}

// QueryType is the coarse class assigned to a normalized query.
type QueryType string

const (
	QueryInsert      QueryType = "INSERT"
	QuerySelect      QueryType = "SELECT"
	QueryCreateTable QueryType = "CREATE_TABLE"
	QuerySet         QueryType = "SET"
	QueryLoad        QueryType = "LOAD"
	QueryAlter       QueryType = "ALTER"
	QueryOther       QueryType = "OTHER"
)

// NumQueryTypes is the number of canonical query types.
const NumQueryTypes = 7

// QueryTypes lists every query type in canonical order. Counts, columns and
// predicate rendering all follow this order.
var QueryTypes = [NumQueryTypes]QueryType{
	QueryInsert,
	QuerySelect,
	QueryCreateTable,
	QuerySet,
	QueryLoad,
	QueryAlter,
	QueryOther,
}

// Index returns the position of t in the canonical order, or -1.
func (t QueryType) Index() int {
	for i, qt := range QueryTypes {
		if qt == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is one of the canonical labels.
func (t QueryType) Valid() bool { return t.Index() >= 0 }

// ParseQueryType resolves a label case-insensitively. "CREATE TABLE" is
// accepted for CREATE_TABLE.
func ParseQueryType(s string) (QueryType, error) {
	label := strings.ToUpper(strings.TrimSpace(s))
	label = strings.ReplaceAll(label, " ", "_")
	qt := QueryType(label)
	if !qt.Valid() {
		return "", fmt.Errorf("unknown query type %q", s)
	}
	return qt, nil
}

// RawLogRow is one row of the source query log.
type RawLogRow struct {
	EventTime      time.Time
	IdentityString string
	ThreadID       int64
	ServerID       int64 // carried for completeness; server identity comes from IdentityString
	CommandType    CommandType
	QueryText      string
}

// NormalizedQuery is the result of normalizing one raw query text.
type NormalizedQuery struct {
	Type   QueryType
	Text   string
	Values []string

	// Matchable is the text after literal extraction but before INSERT
	// truncation and control-character escaping.
	Matchable string
}

// MatchText returns the text denylist patterns are matched against.
func (q NormalizedQuery) MatchText() string {
	if q.Matchable != "" {
		return q.Matchable
	}
	return q.Text
}

// JoinedValues returns the extracted literals joined with ValueSeparator.
func (q NormalizedQuery) JoinedValues() string {
	return strings.Join(q.Values, ValueSeparator)
}

// ReducedLogRecord is one accepted, normalized query event.
type ReducedLogRecord struct {
	EventTime time.Time `json:"event_time"`
	UserID    int64     `json:"user_id"`
	ServerID  int64     `json:"server_id"`
	ThreadID  int64     `json:"thread_id"`
	Type      QueryType `json:"query_type"`
	Query     string    `json:"query"`
	Values    string    `json:"vals"`
}

// RegistryEntry is a name and its assigned numeric id.
type RegistryEntry struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// TypeCounts holds one counter per query type, indexed by canonical order.
type TypeCounts [NumQueryTypes]int64

// Add increments the counter for t. Unknown types count as OTHER.
func (c *TypeCounts) Add(t QueryType, n int64) {
	i := t.Index()
	if i < 0 {
		i = QueryOther.Index()
	}
	c[i] += n
}

// Get returns the counter for t.
func (c TypeCounts) Get(t QueryType) int64 {
	i := t.Index()
	if i < 0 {
		return 0
	}
	return c[i]
}

// Total sums all counters.
func (c TypeCounts) Total() int64 {
	var total int64
	for _, n := range c {
		total += n
	}
	return total
}

// Map returns the counters keyed by label.
func (c TypeCounts) Map() map[string]int64 {
	out := make(map[string]int64, NumQueryTypes)
	for i, qt := range QueryTypes {
		out[string(qt)] = c[i]
	}
	return out
}
