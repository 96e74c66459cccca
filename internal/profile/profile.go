// Package profile aggregates reduced-log records into time series, totals
// and ranked query lists.
package profile

import (
	"slices"
	"sort"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// Bucket is one point of a time series.
type Bucket struct {
	Key    int64            `json:"key" yaml:"key"`
	Label  string           `json:"label" yaml:"label"`
	Counts model.TypeCounts `json:"counts" yaml:"counts,flow"`
}

// TimeSeries is a gap-free, ascending list of buckets.
type TimeSeries []Bucket

// UserSeries is the time series of one user.
type UserSeries struct {
	UserID int64      `json:"user_id" yaml:"user_id"`
	Series TimeSeries `json:"series" yaml:"series"`
}

// UserTotals holds one user's lifetime counts.
type UserTotals struct {
	UserID int64            `json:"user_id" yaml:"user_id"`
	Counts model.TypeCounts `json:"counts" yaml:"counts,flow"`
}

// ValueCount is one distinct literal combination of a query.
type ValueCount struct {
	Values string `json:"values" yaml:"values"`
	Count  int64  `json:"count" yaml:"count"`
}

// QueryRank is one distinct normalized query with its occurrence count.
type QueryRank struct {
	Query  string          `json:"query" yaml:"query"`
	Type   model.QueryType `json:"query_type" yaml:"query_type"`
	Total  int64           `json:"total" yaml:"total"`
	Values []ValueCount    `json:"values" yaml:"values"`
}

// UserTopQueries is the ranked query list of one user.
type UserTopQueries struct {
	UserID  int64       `json:"user_id" yaml:"user_id"`
	Total   int64       `json:"total" yaml:"total"`
	Queries []QueryRank `json:"queries" yaml:"queries"`
}

// Profile is the full aggregation output.
type Profile struct {
	Granularity   Granularity      `json:"granularity" yaml:"granularity"`
	Global        TimeSeries       `json:"global" yaml:"global"`
	PerUser       []UserSeries     `json:"per_user" yaml:"per_user"`
	GlobalTotals  model.TypeCounts `json:"global_totals" yaml:"global_totals,flow"`
	PerUserTotals []UserTotals     `json:"per_user_totals" yaml:"per_user_totals"`
	GlobalTop     []QueryRank      `json:"global_top" yaml:"global_top"`
	PerUserTop    []UserTopQueries `json:"per_user_top" yaml:"per_user_top"`
}

// Build aggregates records in one call. topN <= 0 keeps every query.
func Build(records []model.ReducedLogRecord, g Granularity, topN int) Profile {
	b := NewBuilder(g, topN)
	for i := range records {
		b.Add(&records[i])
	}
	return b.Finish()
}

// Builder accumulates counts record by record; Finish shapes and ranks
// them. Ties in any ranking keep first-seen order.
type Builder struct {
	g    Granularity
	topN int

	userBuckets map[int64]map[int64]*model.TypeCounts
	userTotals  map[int64]*model.TypeCounts
	buckets     map[int64]*model.TypeCounts
	totals      model.TypeCounts

	global  *queryCounter
	perUser map[int64]*queryCounter
}

// NewBuilder creates an empty Builder.
func NewBuilder(g Granularity, topN int) *Builder {
	return &Builder{
		g:           g,
		topN:        topN,
		userBuckets: make(map[int64]map[int64]*model.TypeCounts),
		userTotals:  make(map[int64]*model.TypeCounts),
		buckets:     make(map[int64]*model.TypeCounts),
		global:      newQueryCounter(),
		perUser:     make(map[int64]*queryCounter),
	}
}

// Add counts one record.
func (b *Builder) Add(r *model.ReducedLogRecord) {
	key := b.g.Bucket(r.EventTime)

	ub, ok := b.userBuckets[r.UserID]
	if !ok {
		ub = make(map[int64]*model.TypeCounts)
		b.userBuckets[r.UserID] = ub
	}
	counter(ub, key).Add(r.Type, 1)
	counter(b.userTotals, r.UserID).Add(r.Type, 1)
	counter(b.buckets, key).Add(r.Type, 1)
	b.totals.Add(r.Type, 1)

	b.global.add(r)
	qc, ok := b.perUser[r.UserID]
	if !ok {
		qc = newQueryCounter()
		b.perUser[r.UserID] = qc
	}
	qc.add(r)
}

// Finish returns the profile of everything added so far.
func (b *Builder) Finish() Profile {
	p := Profile{
		Granularity:   b.g,
		Global:        b.series(b.buckets),
		PerUser:       []UserSeries{},
		GlobalTotals:  b.totals,
		PerUserTotals: []UserTotals{},
		GlobalTop:     b.global.rank(b.topN),
		PerUserTop:    []UserTopQueries{},
	}

	users := make([]int64, 0, len(b.userTotals))
	for id := range b.userTotals {
		users = append(users, id)
	}
	slices.Sort(users)

	for _, id := range users {
		p.PerUser = append(p.PerUser, UserSeries{UserID: id, Series: b.series(b.userBuckets[id])})
		p.PerUserTotals = append(p.PerUserTotals, UserTotals{UserID: id, Counts: *b.userTotals[id]})
		p.PerUserTop = append(p.PerUserTop, UserTopQueries{
			UserID:  id,
			Total:   b.userTotals[id].Total(),
			Queries: b.perUser[id].rank(b.topN),
		})
	}
	// Busiest users first; ties stay in id order.
	sort.SliceStable(p.PerUserTop, func(i, j int) bool {
		return p.PerUserTop[i].Total > p.PerUserTop[j].Total
	})
	return p
}

// series sorts buckets by key and inserts zero buckets for missing keys.
func (b *Builder) series(m map[int64]*model.TypeCounts) TimeSeries {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(TimeSeries, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			for gap := keys[i-1] + 1; gap < k; gap++ {
				out = append(out, Bucket{Key: gap, Label: b.g.Label(gap)})
			}
		}
		out = append(out, Bucket{Key: k, Label: b.g.Label(k), Counts: *m[k]})
	}
	return out
}

func counter(m map[int64]*model.TypeCounts, key int64) *model.TypeCounts {
	c, ok := m[key]
	if !ok {
		c = &model.TypeCounts{}
		m[key] = c
	}
	return c
}

type queryStat struct {
	query      string
	qt         model.QueryType
	total      int64
	values     map[string]int64
	valueOrder []string
}

type queryCounter struct {
	byQuery map[string]*queryStat
	order   []*queryStat
}

func newQueryCounter() *queryCounter {
	return &queryCounter{byQuery: make(map[string]*queryStat)}
}

func (c *queryCounter) add(r *model.ReducedLogRecord) {
	s, ok := c.byQuery[r.Query]
	if !ok {
		s = &queryStat{query: r.Query, qt: r.Type, values: make(map[string]int64)}
		c.byQuery[r.Query] = s
		c.order = append(c.order, s)
	}
	s.total++
	if r.Values == "" {
		return
	}
	if _, seen := s.values[r.Values]; !seen {
		s.valueOrder = append(s.valueOrder, r.Values)
	}
	s.values[r.Values]++
}

func (c *queryCounter) rank(topN int) []QueryRank {
	stats := slices.Clone(c.order)
	slices.SortStableFunc(stats, func(a, b *queryStat) int {
		return compareDesc(a.total, b.total)
	})
	if topN > 0 && len(stats) > topN {
		stats = stats[:topN]
	}

	out := make([]QueryRank, 0, len(stats))
	for _, s := range stats {
		values := make([]ValueCount, 0, len(s.valueOrder))
		for _, v := range s.valueOrder {
			values = append(values, ValueCount{Values: v, Count: s.values[v]})
		}
		slices.SortStableFunc(values, func(a, b ValueCount) int {
			return compareDesc(a.Count, b.Count)
		})
		out = append(out, QueryRank{Query: s.query, Type: s.qt, Total: s.total, Values: values})
	}
	return out
}

func compareDesc(a, b int64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
