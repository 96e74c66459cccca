// Package report renders profiles for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/profile"
	"github.com/tinytelemetry/qlprof/internal/querynorm"
)

// Format selects the output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat resolves s; empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("report: unknown format %q", s)
}

// Names resolves registry ids for display.
type Names struct {
	Users   map[int64]string
	Servers map[int64]string
}

// User returns the user name for id, or "#id" when unknown.
func (n Names) User(id int64) string {
	if name, ok := n.Users[id]; ok {
		return name
	}
	return "#" + strconv.FormatInt(id, 10)
}

// Document is the machine-readable form of a profile. Count arrays follow
// QueryTypes order.
type Document struct {
	QueryTypes   []model.QueryType `json:"query_types" yaml:"query_types,flow"`
	Profile      profile.Profile   `json:"profile" yaml:"profile"`
	Users        map[int64]string  `json:"users,omitempty" yaml:"users,omitempty"`
	Servers      map[int64]string  `json:"servers,omitempty" yaml:"servers,omitempty"`
	Fingerprints map[string]string `json:"fingerprints,omitempty" yaml:"fingerprints,omitempty"`
}

// NewDocument bundles p with display names and a fingerprint for every
// ranked query.
func NewDocument(p profile.Profile, names Names) Document {
	doc := Document{
		QueryTypes:   model.QueryTypes[:],
		Profile:      p,
		Users:        names.Users,
		Servers:      names.Servers,
		Fingerprints: make(map[string]string),
	}
	add := func(ranks []profile.QueryRank) {
		for _, r := range ranks {
			if _, ok := doc.Fingerprints[r.Query]; !ok {
				doc.Fingerprints[r.Query] = querynorm.Fingerprint(r.Query)
			}
		}
	}
	add(p.GlobalTop)
	for _, u := range p.PerUserTop {
		add(u.Queries)
	}
	return doc
}

// Render writes p to w in format f.
func Render(w io.Writer, p profile.Profile, names Names, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(NewDocument(p, names))
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(NewDocument(p, names)); err != nil {
			return fmt.Errorf("report: yaml: %w", err)
		}
		return enc.Close()
	case FormatTable, "":
		return renderTables(w, p, names)
	}
	return fmt.Errorf("report: unknown format %q", f)
}

const maxValuesShown = 3

func renderTables(w io.Writer, p profile.Profile, names Names) error {
	typeHeaders := make([]string, 0, model.NumQueryTypes+2)
	for _, qt := range model.QueryTypes {
		typeHeaders = append(typeHeaders, string(qt))
	}
	typeHeaders = append(typeHeaders, "TOTAL")

	fmt.Fprintf(w, "## Totals\n\n")
	if err := WriteTable(w, typeHeaders, [][]string{countCells(p.GlobalTotals)}); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n## Activity by %s\n\n", p.Granularity)
	rows := make([][]string, 0, len(p.Global))
	for _, b := range p.Global {
		rows = append(rows, append([]string{b.Label}, countCells(b.Counts)...))
	}
	if err := WriteTable(w, append([]string{"bucket"}, typeHeaders...), rows); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n## Users\n\n")
	rows = rows[:0]
	for _, u := range p.PerUserTotals {
		rows = append(rows, append([]string{names.User(u.UserID)}, countCells(u.Counts)...))
	}
	if err := WriteTable(w, append([]string{"user"}, typeHeaders...), rows); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n## Top queries\n\n")
	if err := WriteTable(w, rankHeaders, rankRows(p.GlobalTop)); err != nil {
		return err
	}

	for _, u := range p.PerUserTop {
		fmt.Fprintf(w, "\n### %s (%d)\n\n", names.User(u.UserID), u.Total)
		if err := WriteTable(w, rankHeaders, rankRows(u.Queries)); err != nil {
			return err
		}
	}
	return nil
}

var rankHeaders = []string{"#", "count", "type", "query", "values"}

func rankRows(ranks []profile.QueryRank) [][]string {
	rows := make([][]string, 0, len(ranks))
	for i, r := range ranks {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			strconv.FormatInt(r.Total, 10),
			string(r.Type),
			r.Query,
			valueSummary(r.Values),
		})
	}
	return rows
}

func valueSummary(values []profile.ValueCount) string {
	parts := make([]string, 0, maxValuesShown+1)
	for i, v := range values {
		if i == maxValuesShown {
			parts = append(parts, fmt.Sprintf("+%d more", len(values)-maxValuesShown))
			break
		}
		if v.Values == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%d)", v.Values, v.Count))
	}
	return strings.Join(parts, "; ")
}

func countCells(c model.TypeCounts) []string {
	cells := make([]string, 0, model.NumQueryTypes+1)
	for _, n := range c {
		cells = append(cells, strconv.FormatInt(n, 10))
	}
	return append(cells, strconv.FormatInt(c.Total(), 10))
}

// WriteTable renders rows as a markdown table, or a placeholder when empty.
func WriteTable(w io.Writer, headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "_No rows_")
		return err
	}

	alignment := make([]tw.Align, len(headers))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}
	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(headers)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("report: table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("report: render table: %w", err)
	}
	return nil
}
