package duckdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/qlprof/internal/filter"
	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/registry"
)

type recordSlice []model.ReducedLogRecord

func (rs recordSlice) Replay(fn func(*model.ReducedLogRecord) error) error {
	for i := range rs {
		if err := fn(&rs[i]); err != nil {
			return err
		}
	}
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ts(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleRecords() recordSlice {
	return recordSlice{
		{EventTime: ts("2010-04-01 10:00:00"), UserID: 0, ServerID: 0, ThreadID: 11, Type: model.QuerySelect, Query: "SELECT * FROM obs WHERE id = ?", Values: "4"},
		{EventTime: ts("2010-04-02 11:00:00"), UserID: 1, ServerID: 0, ThreadID: 12, Type: model.QueryInsert, Query: "INSERT INTO obs <values>"},
		{EventTime: ts("2010-04-03 12:00:00"), UserID: 0, ServerID: 1, ThreadID: 11, Type: model.QuerySet, Query: "SET autocommit=?", Values: "1"},
	}
}

func commitSample(t *testing.T, store *Store, table string) {
	t.Helper()
	_, err := store.CommitTable(context.Background(), TableCommit{
		Table:      table,
		RunID:      "run-" + table,
		Records:    sampleRecords(),
		NewUsers:   []model.RegistryEntry{{Name: "alice", ID: 0}, {Name: "bob", ID: 1}},
		NewServers: []model.RegistryEntry{{Name: "db1", ID: 0}, {Name: "db2", ID: 1}},
	})
	require.NoError(t, err)
}

func TestNewStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "qlprof.duckdb")
	store, err := NewStore(path, WithQueryTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, path, store.Path())
	assert.Equal(t, 5*time.Second, store.QueryTimeout)
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestCommitTableAndSelect(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	commitSample(t, store, "2010_04")

	n, err := store.RowCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := store.Select(ctx, "2010_04", filter.True{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, sampleRecords()[0], all[0])

	users, err := store.Select(ctx, "", filter.Compile(filter.Criteria{Users: []int64{0}}))
	require.NoError(t, err)
	assert.Len(t, users, 2)

	negated, err := store.Select(ctx, "", filter.Compile(filter.Criteria{
		Users:      []int64{0},
		QueryTypes: []model.QueryType{model.QuerySelect},
		Negate:     true,
	}))
	require.NoError(t, err)
	require.Len(t, negated, 1)
	assert.Equal(t, model.QueryInsert, negated[0].Type)

	searched, err := store.Select(ctx, "", filter.Compile(filter.Criteria{
		Search: filter.SearchSpec{Terms: []string{"%obs%"}, Combinator: filter.CombinatorNone},
	}))
	require.NoError(t, err)
	require.Len(t, searched, 1)
	assert.Equal(t, model.QuerySet, searched[0].Type)

	dated, err := store.Select(ctx, "", filter.Compile(filter.Criteria{
		DateRange: &filter.DateRange{Start: ts("2010-04-02 00:00:00"), End: ts("2010-04-02 00:00:00")},
	}))
	require.NoError(t, err)
	require.Len(t, dated, 1)
	assert.Equal(t, int64(1), dated[0].UserID)

	none, err := store.Select(ctx, "2010_05", filter.True{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestScanTimeoutExcludesCallback(t *testing.T) {
	store, err := NewStore("", WithQueryTimeout(500*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	commitSample(t, store, "2010_04")

	n := 0
	err = store.Scan(context.Background(), "", filter.True{}, func(*model.ReducedLogRecord) error {
		n++
		time.Sleep(300 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLAndEvalAgree(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	commitSample(t, store, "2010_04")

	criteria := []filter.Criteria{
		{},
		{Negate: true},
		{Servers: []int64{0}},
		{Users: []int64{1}, Servers: []int64{1}, Negate: true},
		{Search: filter.SearchSpec{Terms: []string{"SET%", "%obs%"}, Combinator: filter.CombinatorNotAll}},
		{QueryTypes: []model.QueryType{model.QuerySet, model.QueryInsert}},
	}
	for _, c := range criteria {
		p := filter.Compile(c)
		got, err := store.Select(ctx, "", p)
		require.NoError(t, err, p.SQL())

		var want []model.ReducedLogRecord
		for _, r := range sampleRecords() {
			if p.Eval(&r) {
				want = append(want, r)
			}
		}
		assert.Equal(t, want, got, p.SQL())
	}
}

func TestLikeTrailingBackslashMatchesInSQL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	records := recordSlice{
		{EventTime: ts("2010-04-01 10:00:00"), Type: model.QueryLoad, Query: `LOAD DATA INFILE C:\`},
		{EventTime: ts("2010-04-01 11:00:00"), Type: model.QueryLoad, Query: `LOAD DATA INFILE C:`},
	}
	_, err := store.CommitTable(ctx, TableCommit{Table: "2010_04", RunID: "run", Records: records})
	require.NoError(t, err)

	p := filter.NewLike(`%\`, false)
	got, err := store.Select(ctx, "", p)
	require.NoError(t, err, p.SQL())
	require.Len(t, got, 1)
	assert.True(t, p.Eval(&got[0]))
	assert.Equal(t, records[0].Query, got[0].Query)
}

func TestCommitTableTwiceFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	commitSample(t, store, "2010_04")

	_, err := store.CommitTable(ctx, TableCommit{Table: "2010_04", RunID: "again", Records: sampleRecords()})
	require.ErrorIs(t, err, ErrAlreadyReduced)

	n, err := store.RowCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCommitTableRegistryConflictWritesNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	commitSample(t, store, "2010_04")

	_, err := store.CommitTable(ctx, TableCommit{
		Table:    "2010_05",
		RunID:    "conflict",
		Records:  sampleRecords(),
		NewUsers: []model.RegistryEntry{{Name: "carol", ID: 2}, {Name: "alice", ID: 7}},
	})
	require.ErrorIs(t, err, registry.ErrRegistryConflict)

	reduced, err := store.IsReduced(ctx, "2010_05")
	require.NoError(t, err)
	assert.False(t, reduced)

	users, err := store.LoadRegistry(ctx, model.KindUsers)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 0, "bob": 1}, users)

	n, err := store.RowCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCommitTableIDHeldByOtherName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	commitSample(t, store, "2010_04")

	_, err := store.CommitTable(ctx, TableCommit{
		Table:      "2010_05",
		RunID:      "conflict",
		NewServers: []model.RegistryEntry{{Name: "db3", ID: 1}},
	})
	var conflict *registry.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "db2", conflict.Holder)
}

func TestCommitTableRecordErrorRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	failing := replayFunc(func(fn func(*model.ReducedLogRecord) error) error {
		rec := sampleRecords()[0]
		if err := fn(&rec); err != nil {
			return err
		}
		return errors.New("spool read failed")
	})
	_, err := store.CommitTable(ctx, TableCommit{
		Table:    "2010_04",
		RunID:    "broken",
		Records:  failing,
		NewUsers: []model.RegistryEntry{{Name: "alice", ID: 0}},
	})
	require.Error(t, err)

	n, err := store.RowCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	users, err := store.LoadRegistry(ctx, model.KindUsers)
	require.NoError(t, err)
	assert.Empty(t, users)
}

type replayFunc func(fn func(*model.ReducedLogRecord) error) error

func (f replayFunc) Replay(fn func(*model.ReducedLogRecord) error) error { return f(fn) }

func TestReducedTablesAndNames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	commitSample(t, store, "2010_12")

	tables, err := store.ReducedTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "2010_12", tables[0].Name)
	assert.Equal(t, "run-2010_12", tables[0].RunID)
	assert.Equal(t, int64(3), tables[0].Rows)
	assert.Equal(t, time.Date(2011, time.January, 1, 0, 0, 0, 0, time.UTC), tables[0].UpperBound)

	names, err := store.Names(ctx, model.KindServers)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{0: "db1", 1: "db2"}, names)

	_, err = store.LoadRegistry(ctx, "hosts")
	require.Error(t, err)
}
