package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/report"
)

var tablesFormat string

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List reduced tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTables(cmd.Context(), cfg, logger, tablesFormat, cmd.OutOrStdout())
	},
}

func init() {
	tablesCmd.Flags().StringVar(&tablesFormat, "format", "table", "output format: table or json")
}

func runTables(ctx context.Context, cfg appConfig, logger *zap.Logger, format string, out io.Writer) error {
	f, err := report.ParseFormat(format)
	if err != nil {
		return err
	}
	if f == report.FormatYAML {
		return fmt.Errorf("tables: unsupported format %q", format)
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	tables, err := store.ReducedTables(ctx)
	if err != nil {
		return err
	}

	if f == report.FormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tables)
	}

	rows := make([][]string, 0, len(tables))
	for _, t := range tables {
		bound := ""
		if !t.UpperBound.IsZero() {
			bound = t.UpperBound.Format(time.DateOnly)
		}
		rows = append(rows, []string{
			t.Name,
			strconv.FormatInt(t.Rows, 10),
			t.ReducedAt.UTC().Format(time.DateTime),
			bound,
			t.RunID,
		})
	}
	return report.WriteTable(out, []string{"table", "rows", "reduced at", "upper bound", "run"}, rows)
}
