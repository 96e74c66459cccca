package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/profile"
	"github.com/tinytelemetry/qlprof/internal/querynorm"
)

func sampleProfile() profile.Profile {
	day := time.Date(2010, time.April, 1, 9, 0, 0, 0, time.UTC)
	return profile.Build([]model.ReducedLogRecord{
		{EventTime: day, UserID: 0, Type: model.QuerySelect, Query: "SELECT a FROM t WHERE id = ?", Values: "1"},
		{EventTime: day, UserID: 0, Type: model.QuerySelect, Query: "SELECT a FROM t WHERE id = ?", Values: "2"},
		{EventTime: day.AddDate(0, 0, 2), UserID: 7, Type: model.QueryInsert, Query: "INSERT INTO t <values>"},
	}, profile.Day, 10)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "TABLE": FormatTable, "json": FormatJSON, "yml": FormatYAML, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("csv")
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	names := Names{Users: map[int64]string{0: "alice"}}
	require.NoError(t, Render(&buf, sampleProfile(), names, FormatTable))
	out := buf.String()

	assert.Contains(t, out, "## Totals")
	assert.Contains(t, out, "## Activity by day")
	assert.Contains(t, out, "2010-04-02T00:00:00")
	assert.Contains(t, out, "SELECT a FROM t WHERE id = ?")
	assert.Contains(t, out, "1 (1); 2 (1)")
	assert.Contains(t, out, "### alice (2)")
	assert.Contains(t, out, "### #7 (1)")
	assert.Contains(t, out, "CREATE_TABLE")
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, profile.Build(nil, profile.Hour, 5), Names{}, FormatTable))
	assert.Contains(t, buf.String(), "_No rows_")
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	p := sampleProfile()
	require.NoError(t, Render(&buf, p, Names{Users: map[int64]string{0: "alice", 7: "bob"}}, FormatJSON))

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, model.QueryTypes[:], doc.QueryTypes)
	assert.Equal(t, "bob", doc.Users[7])
	assert.Equal(t, p.GlobalTotals, doc.Profile.GlobalTotals)
	assert.Len(t, doc.Profile.Global, 3)
	assert.Equal(t, querynorm.Fingerprint("INSERT INTO t <values>"), doc.Fingerprints["INSERT INTO t <values>"])
	assert.Len(t, doc.Fingerprints, 2)
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleProfile(), Names{}, FormatYAML))
	assert.True(t, strings.HasPrefix(buf.String(), "query_types:"))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	prof, ok := doc["profile"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "day", prof["granularity"])
}

func TestNamesUserFallback(t *testing.T) {
	n := Names{Users: map[int64]string{1: "carol"}}
	assert.Equal(t, "carol", n.User(1))
	assert.Equal(t, "#2", n.User(2))
}
