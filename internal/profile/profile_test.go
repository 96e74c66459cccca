package profile

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/qlprof/internal/model"
)

func at(dayOffset int) time.Time {
	return time.Date(2010, time.April, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, dayOffset)
}

func rec(user int64, day int, qt model.QueryType, query, vals string) model.ReducedLogRecord {
	return model.ReducedLogRecord{EventTime: at(day), UserID: user, Type: qt, Query: query, Values: vals}
}

func counts(pairs ...any) model.TypeCounts {
	var c model.TypeCounts
	for i := 0; i < len(pairs); i += 2 {
		c.Add(pairs[i].(model.QueryType), int64(pairs[i+1].(int)))
	}
	return c
}

func TestBuildEmpty(t *testing.T) {
	t.Parallel()

	p := Build(nil, Day, 10)
	assert.Empty(t, p.Global)
	assert.Empty(t, p.PerUser)
	assert.Empty(t, p.PerUserTotals)
	assert.Empty(t, p.GlobalTop)
	assert.Empty(t, p.PerUserTop)
	assert.Zero(t, p.GlobalTotals.Total())
}

func TestBuildTimeSeriesFillsGaps(t *testing.T) {
	t.Parallel()

	records := []model.ReducedLogRecord{
		rec(1, 3, model.QuerySelect, "SELECT a", ""),
		rec(1, 0, model.QuerySelect, "SELECT a", ""),
		rec(2, 0, model.QueryInsert, "INSERT INTO t <values>", ""),
	}
	p := Build(records, Day, 0)

	base := Day.Bucket(at(0))
	want := TimeSeries{
		{Key: base, Label: "2010-04-01T00:00:00", Counts: counts(model.QuerySelect, 1, model.QueryInsert, 1)},
		{Key: base + 1, Label: "2010-04-02T00:00:00"},
		{Key: base + 2, Label: "2010-04-03T00:00:00"},
		{Key: base + 3, Label: "2010-04-04T00:00:00", Counts: counts(model.QuerySelect, 1)},
	}
	if diff := cmp.Diff(want, p.Global); diff != "" {
		t.Fatalf("global series mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, p.PerUser, 2)
	assert.Equal(t, int64(1), p.PerUser[0].UserID)
	assert.Len(t, p.PerUser[0].Series, 4)
	assert.Equal(t, int64(2), p.PerUser[1].UserID)
	assert.Len(t, p.PerUser[1].Series, 1)

	assert.Equal(t, counts(model.QuerySelect, 2, model.QueryInsert, 1), p.GlobalTotals)
	assert.Equal(t, []UserTotals{
		{UserID: 1, Counts: counts(model.QuerySelect, 2)},
		{UserID: 2, Counts: counts(model.QueryInsert, 1)},
	}, p.PerUserTotals)
}

func TestBuildSeriesContiguity(t *testing.T) {
	t.Parallel()

	records := []model.ReducedLogRecord{
		rec(1, 0, model.QueryOther, "X", ""),
		rec(1, 40, model.QueryOther, "X", ""),
		rec(1, 400, model.QueryOther, "X", ""),
	}
	for _, g := range Granularities {
		p := Build(records, g, 0)
		for i := 1; i < len(p.Global); i++ {
			assert.Equal(t, p.Global[i-1].Key+1, p.Global[i].Key, "granularity %s", g)
		}
		assert.Equal(t, int64(3), sumSeries(p.Global), "granularity %s", g)
	}
}

func sumSeries(s TimeSeries) int64 {
	var n int64
	for _, b := range s {
		n += b.Counts.Total()
	}
	return n
}

func TestBuildRanksQueriesAndValues(t *testing.T) {
	t.Parallel()

	records := []model.ReducedLogRecord{
		rec(1, 0, model.QuerySelect, "SELECT a WHERE x = ?", "1"),
		rec(2, 0, model.QuerySelect, "SELECT b", ""),
		rec(1, 0, model.QuerySelect, "SELECT a WHERE x = ?", "2"),
		rec(1, 1, model.QuerySelect, "SELECT a WHERE x = ?", "2"),
		rec(2, 1, model.QuerySelect, "SELECT b", ""),
		rec(2, 1, model.QuerySelect, "SELECT b", "9"),
		rec(1, 2, model.QuerySet, "SET x = ?", "0"),
		rec(2, 2, model.QuerySelect, "SELECT b", ""),
	}
	p := Build(records, Day, 2)

	want := []QueryRank{
		{Query: "SELECT b", Type: model.QuerySelect, Total: 4, Values: []ValueCount{{Values: "9", Count: 1}}},
		{Query: "SELECT a WHERE x = ?", Type: model.QuerySelect, Total: 3, Values: []ValueCount{
			{Values: "2", Count: 2},
			{Values: "1", Count: 1},
		}},
	}
	if diff := cmp.Diff(want, p.GlobalTop); diff != "" {
		t.Fatalf("global top mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, p.PerUserTop, 2)
	// User 1 and 2 both have 4 queries; ties keep id order.
	assert.Equal(t, int64(1), p.PerUserTop[0].UserID)
	assert.Equal(t, int64(4), p.PerUserTop[0].Total)
	require.Len(t, p.PerUserTop[0].Queries, 2)
	assert.Equal(t, "SELECT a WHERE x = ?", p.PerUserTop[0].Queries[0].Query)
	assert.Equal(t, "SET x = ?", p.PerUserTop[0].Queries[1].Query)
}

func TestBuildTopNUnlimited(t *testing.T) {
	t.Parallel()

	records := []model.ReducedLogRecord{
		rec(1, 0, model.QueryOther, "A", ""),
		rec(1, 0, model.QueryOther, "B", ""),
		rec(1, 0, model.QueryOther, "C", ""),
	}
	assert.Len(t, Build(records, Day, 0).GlobalTop, 3)
	assert.Len(t, Build(records, Day, 1).GlobalTop, 1)
}

func TestBuildOrdersUsersByVolume(t *testing.T) {
	t.Parallel()

	records := []model.ReducedLogRecord{
		rec(1, 0, model.QueryOther, "A", ""),
		rec(5, 0, model.QueryOther, "A", ""),
		rec(5, 0, model.QueryOther, "B", ""),
	}
	p := Build(records, Day, 10)
	require.Len(t, p.PerUserTop, 2)
	assert.Equal(t, int64(5), p.PerUserTop[0].UserID)
	assert.Equal(t, int64(1), p.PerUserTop[1].UserID)
}
