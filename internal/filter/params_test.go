package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/qlprof/internal/model"
)

func TestParamsCriteria(t *testing.T) {
	c, err := Params{
		From:       "2010-04-01",
		To:         "2010-04-30",
		Users:      []int64{3, 1},
		Search:     []string{"%obs%"},
		Combinator: "not-all",
		Types:      []string{"select", "create table"},
		Negate:     true,
	}.Criteria()
	require.NoError(t, err)

	require.NotNil(t, c.DateRange)
	assert.Equal(t, time.Date(2010, time.April, 1, 0, 0, 0, 0, time.UTC), c.DateRange.Start)
	assert.Equal(t, time.Date(2010, time.May, 1, 0, 0, 0, 0, time.UTC), c.DateRange.Until())
	assert.Equal(t, []int64{3, 1}, c.Users)
	assert.True(t, c.Negate)

	want := `NOT ((event_time >= '2010-04-01 00:00:00' AND event_time < '2010-05-01 00:00:00') OR (user_id IN (1, 3)) OR (query NOT LIKE '%obs%' ESCAPE '\') OR (query_type IN ('SELECT', 'CREATE_TABLE')))`
	assert.Equal(t, want, Compile(c).SQL())
	assert.Equal(t, []model.QueryType{"select", "create table"}, c.QueryTypes)
}

func TestParamsSingleDate(t *testing.T) {
	c, err := Params{From: "2010-04-02"}.Criteria()
	require.NoError(t, err)
	assert.Equal(t, c.DateRange.Start, c.DateRange.End)
}

func TestParamsErrors(t *testing.T) {
	_, err := Params{To: "2010-04-02"}.Criteria()
	assert.Error(t, err)
	_, err = Params{From: "2010-04-05", To: "2010-04-02"}.Criteria()
	assert.Error(t, err)
	_, err = Params{From: "April"}.Criteria()
	assert.Error(t, err)
}

func TestParamsEmptySelectsAll(t *testing.T) {
	c, err := Params{}.Criteria()
	require.NoError(t, err)
	assert.Equal(t, True{}, Compile(c))
}
