package filter

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// SQL column names used when rendering predicates.
const (
	ColumnEventTime = "event_time"
	ColumnUser      = "user_id"
	ColumnServer    = "server_id"
	ColumnQueryType = "query_type"
	ColumnQuery     = "query"
)

const sqlTimeLayout = "2006-01-02 15:04:05"

// Predicate is a boolean condition over reduced-log records.
type Predicate interface {
	Eval(r *model.ReducedLogRecord) bool
	SQL() string
}

// WhereClause renders p as a WHERE clause, or "" when p selects everything.
func WhereClause(p Predicate) string {
	if _, ok := p.(True); ok || p == nil {
		return ""
	}
	return "WHERE " + p.SQL()
}

// True matches every record.
type True struct{}

func (True) Eval(*model.ReducedLogRecord) bool { return true }
func (True) SQL() string                       { return "TRUE" }

// And matches when every child matches.
type And []Predicate

func (a And) Eval(r *model.ReducedLogRecord) bool {
	for _, p := range a {
		if !p.Eval(r) {
			return false
		}
	}
	return true
}

func (a And) SQL() string { return joinSQL(a, " AND ") }

// Or matches when any child matches.
type Or []Predicate

func (o Or) Eval(r *model.ReducedLogRecord) bool {
	for _, p := range o {
		if p.Eval(r) {
			return true
		}
	}
	return false
}

func (o Or) SQL() string { return joinSQL(o, " OR ") }

// Not inverts its child.
type Not struct{ P Predicate }

func (n Not) Eval(r *model.ReducedLogRecord) bool { return !n.P.Eval(r) }
func (n Not) SQL() string                         { return "NOT (" + n.P.SQL() + ")" }

func joinSQL(ps []Predicate, sep string) string {
	if len(ps) == 1 {
		return ps[0].SQL()
	}
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = "(" + p.SQL() + ")"
	}
	return strings.Join(parts, sep)
}

// TimeRange matches event times in [From, Until).
type TimeRange struct {
	From  time.Time
	Until time.Time
}

func (t TimeRange) Eval(r *model.ReducedLogRecord) bool {
	return !r.EventTime.Before(t.From) && r.EventTime.Before(t.Until)
}

func (t TimeRange) SQL() string {
	return ColumnEventTime + " >= " + quote(t.From.UTC().Format(sqlTimeLayout)) +
		" AND " + ColumnEventTime + " < " + quote(t.Until.UTC().Format(sqlTimeLayout))
}

// IDIn matches records whose user or server id is in IDs. A single id
// renders as an equality test.
type IDIn struct {
	Column string
	IDs    []int64
}

func (p IDIn) Eval(r *model.ReducedLogRecord) bool {
	v := r.UserID
	if p.Column == ColumnServer {
		v = r.ServerID
	}
	for _, id := range p.IDs {
		if id == v {
			return true
		}
	}
	return false
}

func (p IDIn) SQL() string {
	if len(p.IDs) == 1 {
		return p.Column + " = " + strconv.FormatInt(p.IDs[0], 10)
	}
	parts := make([]string, len(p.IDs))
	for i, id := range p.IDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return p.Column + " IN (" + strings.Join(parts, ", ") + ")"
}

// TypeIn matches records whose query type is in Types. A single type
// renders as an equality test.
type TypeIn struct {
	Types []model.QueryType
}

func (p TypeIn) Eval(r *model.ReducedLogRecord) bool {
	for _, t := range p.Types {
		if t == r.Type {
			return true
		}
	}
	return false
}

func (p TypeIn) SQL() string {
	if len(p.Types) == 1 {
		return ColumnQueryType + " = " + quote(string(p.Types[0]))
	}
	parts := make([]string, len(p.Types))
	for i, t := range p.Types {
		parts[i] = quote(string(t))
	}
	return ColumnQueryType + " IN (" + strings.Join(parts, ", ") + ")"
}

// Like matches query text against a SQL LIKE pattern. Matching is case
// sensitive; '%' and '_' are wildcards and '\' escapes the next character.
type Like struct {
	Pattern string
	Negated bool
	re      *regexp.Regexp
}

// NewLike compiles pattern.
func NewLike(pattern string, negated bool) Like {
	return Like{Pattern: pattern, Negated: negated, re: likeRegexp(pattern)}
}

func (l Like) Eval(r *model.ReducedLogRecord) bool {
	re := l.re
	if re == nil {
		re = likeRegexp(l.Pattern)
	}
	return re.MatchString(r.Query) != l.Negated
}

func (l Like) SQL() string {
	op := " LIKE "
	if l.Negated {
		op = " NOT LIKE "
	}
	return ColumnQuery + op + quote(sqlLikePattern(l.Pattern)) + ` ESCAPE '\'`
}

// sqlLikePattern doubles a trailing unpaired escape so that SQL, like Eval,
// reads it as a literal backslash.
func sqlLikePattern(pattern string) string {
	n := len(pattern) - len(strings.TrimRight(pattern, `\`))
	if n%2 == 1 {
		return pattern + `\`
	}
	return pattern
}

func likeRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(`.*`)
		case r == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		b.WriteString(`\\`)
	}
	b.WriteString(`$`)
	return regexp.MustCompile(b.String())
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
