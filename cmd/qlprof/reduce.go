package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/ingest"
	"github.com/tinytelemetry/qlprof/internal/logsource"
	"github.com/tinytelemetry/qlprof/internal/metrics"
	"github.com/tinytelemetry/qlprof/internal/querynorm"
	"github.com/tinytelemetry/qlprof/internal/reducer"
	"github.com/tinytelemetry/qlprof/internal/report"
)

const (
	sourceMySQL = "mysql"
	sourceTSV   = "tsv"
)

var (
	reduceSource string
	reduceTable  string
)

var reduceCmd = &cobra.Command{
	Use:   "reduce [files...]",
	Short: "Reduce source query-log tables that have not been reduced yet",
	Long: `Reads MySQL general_log tables (or tab-separated dumps of them), normalizes
and filters every query, and commits each table to the reduced log as a single
unit. Tables that were reduced before are skipped.

With file arguments the source defaults to tsv; "-" reads standard input.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runReduce(ctx, cfg, logger, reduceSource, reduceTable, args, cmd.OutOrStdout())
	},
}

func init() {
	reduceCmd.Flags().StringVar(&reduceSource, "source", "", "source kind: mysql or tsv (default: tsv when files are given)")
	reduceCmd.Flags().StringVar(&reduceTable, "table", "", "reduce only this table")
}

func openSource(cfg appConfig, logger *zap.Logger, kind string, files []string) (logsource.RowSource, func(), error) {
	if kind == "" {
		kind = sourceMySQL
		if len(files) > 0 {
			kind = sourceTSV
		}
	}

	switch kind {
	case sourceTSV:
		src, err := logsource.NewTSVSource(files, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	case sourceMySQL:
		if len(files) > 0 {
			return nil, nil, fmt.Errorf("file arguments require --source %s", sourceTSV)
		}
		src, err := logsource.NewGeneralLog(cfg.MySQL, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown source %q", kind)
}

func newPipeline(cfg appConfig, logger *zap.Logger, store ingest.TableCommitter, m *metrics.Metrics) (*ingest.Pipeline, error) {
	words, err := cfg.reservedWords()
	if err != nil {
		return nil, err
	}
	red, err := reducer.New(cfg.Reducer, logger)
	if err != nil {
		return nil, err
	}
	return ingest.NewPipeline(querynorm.NewNormalizer(words), red, store, cfg.pipelineConfig(), logger, m), nil
}

func runReduce(ctx context.Context, cfg appConfig, logger *zap.Logger, kind, table string, files []string, out io.Writer) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	src, closeSrc, err := openSource(cfg, logger, kind, files)
	if err != nil {
		return err
	}
	defer closeSrc()

	pipeline, err := newPipeline(cfg, logger, store, nil)
	if err != nil {
		return err
	}

	var results []ingest.TableResult
	if table != "" {
		res, rerr := pipeline.ReduceTable(ctx, table, src)
		if rerr == nil {
			results = append(results, res)
		}
		err = rerr
	} else {
		results, err = pipeline.ReduceAll(ctx, src)
	}
	if werr := writeReduceSummary(out, results); werr != nil && err == nil {
		err = werr
	}
	return err
}

func writeReduceSummary(w io.Writer, results []ingest.TableResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "nothing to reduce")
		return err
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.Table,
			strconv.Itoa(r.Rows),
			strconv.Itoa(r.Accepted),
			rejectedSummary(r.Rejected),
			strconv.Itoa(len(r.NewUsers)),
			strconv.Itoa(len(r.NewServers)),
			r.RunID,
		})
	}
	return report.WriteTable(w, []string{"table", "rows", "accepted", "rejected", "new users", "new servers", "run"}, rows)
}

func rejectedSummary(m map[reducer.RejectReason]int) string {
	reasons := make([]string, 0, len(m))
	for r := range m {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = fmt.Sprintf("%s=%d", r, m[reducer.RejectReason(r)])
	}
	return strings.Join(parts, ", ")
}
