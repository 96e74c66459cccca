package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tinytelemetry/qlprof/internal/model"
)

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func record(user, server int64, qt model.QueryType, query string, at time.Time) *model.ReducedLogRecord {
	return &model.ReducedLogRecord{EventTime: at, UserID: user, ServerID: server, Type: qt, Query: query}
}

func TestCompileEmptyCriteriaIsTrue(t *testing.T) {
	t.Parallel()

	recs := []*model.ReducedLogRecord{
		record(1, 1, model.QuerySelect, "SELECT 1", day("2010-04-01")),
		record(9, 2, model.QueryOther, "", time.Time{}),
	}
	for _, negate := range []bool{false, true} {
		p := Compile(Criteria{Negate: negate})
		assert.Equal(t, True{}, p, "negate=%v", negate)
		assert.Equal(t, "", WhereClause(p))
		for _, r := range recs {
			assert.True(t, p.Eval(r), "negate=%v", negate)
		}
	}
}

func TestCompileSQL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		criteria Criteria
		want     string
	}{
		{
			name:     "single user is equality",
			criteria: Criteria{Users: []int64{3}},
			want:     "user_id = 3",
		},
		{
			name:     "several servers is membership",
			criteria: Criteria{Servers: []int64{7, 2, 7}},
			want:     "server_id IN (2, 7)",
		},
		{
			name:     "date range extends end by one day",
			criteria: Criteria{DateRange: &DateRange{Start: day("2010-04-01"), End: day("2010-04-30")}},
			want:     "event_time >= '2010-04-01 00:00:00' AND event_time < '2010-05-01 00:00:00'",
		},
		{
			name:     "types canonical order",
			criteria: Criteria{QueryTypes: []model.QueryType{model.QueryOther, model.QueryInsert}},
			want:     "query_type IN ('INSERT', 'OTHER')",
		},
		{
			name:     "all types is absent",
			criteria: Criteria{QueryTypes: model.QueryTypes[:]},
			want:     "TRUE",
		},
		{
			name:     "search any",
			criteria: Criteria{Search: SearchSpec{Terms: []string{"%obs%", "%src%"}, Combinator: CombinatorAny}},
			want:     `(query LIKE '%obs%' ESCAPE '\') OR (query LIKE '%src%' ESCAPE '\')`,
		},
		{
			name:     "search none",
			criteria: Criteria{Search: SearchSpec{Terms: []string{"%obs%", "%src%"}, Combinator: CombinatorNone}},
			want:     `(query NOT LIKE '%obs%' ESCAPE '\') AND (query NOT LIKE '%src%' ESCAPE '\')`,
		},
		{
			name:     "quotes are doubled",
			criteria: Criteria{Search: SearchSpec{Terms: []string{"%'x'%"}}},
			want:     `query LIKE '%''x''%' ESCAPE '\'`,
		},
		{
			name:     "empty terms absent",
			criteria: Criteria{Search: SearchSpec{Combinator: CombinatorAll}},
			want:     "TRUE",
		},
		{
			name:     "and of criteria",
			criteria: Criteria{Users: []int64{1}, QueryTypes: []model.QueryType{model.QuerySelect}},
			want:     "(user_id = 1) AND (query_type = 'SELECT')",
		},
		{
			name:     "negate wraps or",
			criteria: Criteria{Users: []int64{1}, QueryTypes: []model.QueryType{model.QuerySelect}, Negate: true},
			want:     "NOT ((user_id = 1) OR (query_type = 'SELECT'))",
		},
		{
			name:     "negate single criterion",
			criteria: Criteria{Servers: []int64{4}, Negate: true},
			want:     "NOT (server_id = 4)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compile(tt.criteria).SQL())
		})
	}
}

func TestCompileNegationInvertsWholeExpression(t *testing.T) {
	t.Parallel()

	c := Criteria{Users: []int64{1}, QueryTypes: []model.QueryType{model.QuerySelect}}
	pos := Compile(c)
	c.Negate = true
	neg := Compile(c)

	at := day("2010-04-02")
	tests := []struct {
		rec     *model.ReducedLogRecord
		wantPos bool
		wantNeg bool
	}{
		{rec: record(1, 0, model.QuerySelect, "q", at), wantPos: true, wantNeg: false},
		// Matches one sub-predicate: NOT(OR) is false, though NOT(AND) would be true.
		{rec: record(1, 0, model.QueryInsert, "q", at), wantPos: false, wantNeg: false},
		{rec: record(2, 0, model.QuerySelect, "q", at), wantPos: false, wantNeg: false},
		{rec: record(2, 0, model.QueryInsert, "q", at), wantPos: false, wantNeg: true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wantPos, pos.Eval(tt.rec), "%+v", *tt.rec)
		assert.Equal(t, tt.wantNeg, neg.Eval(tt.rec), "%+v", *tt.rec)
	}
}

func TestCompileSearchCombinators(t *testing.T) {
	t.Parallel()

	terms := []string{"%foo%", "%bar%"}
	queries := map[string][2]bool{} // query -> matches foo, bar
	queries["SELECT foo, bar"] = [2]bool{true, true}
	queries["SELECT foo"] = [2]bool{true, false}
	queries["SELECT baz"] = [2]bool{false, false}

	for query, m := range queries {
		rec := record(0, 0, model.QuerySelect, query, time.Time{})
		assert.Equal(t, m[0] || m[1], Compile(Criteria{Search: SearchSpec{Terms: terms, Combinator: CombinatorAny}}).Eval(rec), query)
		assert.Equal(t, m[0] && m[1], Compile(Criteria{Search: SearchSpec{Terms: terms, Combinator: CombinatorAll}}).Eval(rec), query)
		assert.Equal(t, !m[0] && !m[1], Compile(Criteria{Search: SearchSpec{Terms: terms, Combinator: CombinatorNone}}).Eval(rec), query)
		assert.Equal(t, !m[0] || !m[1], Compile(Criteria{Search: SearchSpec{Terms: terms, Combinator: CombinatorNotAll}}).Eval(rec), query)
	}
}

func TestCompileUnknownCombinatorWarnsAndUsesAny(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	c := NewCompiler(zap.New(core))

	p := c.Compile(Criteria{Search: SearchSpec{Terms: []string{"%a%", "%b%"}, Combinator: "most"}})
	assert.Equal(t, `(query LIKE '%a%' ESCAPE '\') OR (query LIKE '%b%' ESCAPE '\')`, p.SQL())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "most", logs.All()[0].ContextMap()["combinator"])
}

func TestCompileDateRangeBounds(t *testing.T) {
	t.Parallel()

	p := Compile(Criteria{DateRange: &DateRange{Start: day("2010-04-01"), End: day("2010-04-30")}})
	assert.True(t, p.Eval(record(0, 0, model.QuerySelect, "", day("2010-04-01"))))
	assert.True(t, p.Eval(record(0, 0, model.QuerySelect, "", day("2010-04-30").Add(23*time.Hour))))
	assert.False(t, p.Eval(record(0, 0, model.QuerySelect, "", day("2010-05-01"))))
	assert.False(t, p.Eval(record(0, 0, model.QuerySelect, "", day("2010-03-31"))))
}

func TestParseCombinator(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Combinator{
		"":        CombinatorAny,
		"ANY":     CombinatorAny,
		"all":     CombinatorAll,
		"none":    CombinatorNone,
		"not all": CombinatorNotAll,
		"not-all": CombinatorNotAll,
		"not_all": CombinatorNotAll,
	} {
		got, err := ParseCombinator(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	got, err := ParseCombinator("some")
	assert.ErrorIs(t, err, ErrUnsupportedCombinator)
	assert.Equal(t, CombinatorAny, got)
}

func TestParseDateRange(t *testing.T) {
	t.Parallel()

	dr, err := ParseDateRange("2010-04-01", "2010-04-30")
	require.NoError(t, err)
	assert.Equal(t, day("2010-05-01"), dr.Until())

	_, err = ParseDateRange("2010-04-30", "2010-04-01")
	require.Error(t, err)
	_, err = ParseDateRange("April", "2010-04-01")
	require.Error(t, err)
}

func TestCriteriaEqual(t *testing.T) {
	t.Parallel()

	base := Criteria{
		DateRange:  &DateRange{Start: day("2010-04-01"), End: day("2010-04-30")},
		Users:      []int64{1, 2},
		Search:     SearchSpec{Terms: []string{"%a%"}, Combinator: CombinatorAll},
		QueryTypes: []model.QueryType{model.QuerySelect, model.QueryInsert},
	}

	same := Criteria{
		DateRange:  &DateRange{Start: day("2010-04-01"), End: day("2010-04-30")},
		Users:      []int64{2, 1},
		Search:     SearchSpec{Terms: []string{"%a%"}, Combinator: CombinatorAll},
		QueryTypes: []model.QueryType{model.QueryInsert, model.QuerySelect},
	}
	assert.True(t, base.Equal(same))

	changed := same
	changed.Negate = true
	assert.False(t, base.Equal(changed))

	changed = same
	changed.Search = SearchSpec{Terms: []string{"%a%"}, Combinator: CombinatorAny}
	assert.False(t, base.Equal(changed))

	changed = same
	changed.DateRange = nil
	assert.False(t, base.Equal(changed))

	assert.True(t, Criteria{}.Equal(Criteria{Users: []int64{}}))
	assert.True(t, Criteria{Search: SearchSpec{Combinator: CombinatorAll}}.Equal(Criteria{}))
}
