package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/filter"
	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/profile"
	"github.com/tinytelemetry/qlprof/internal/report"
)

// profileOptions mirrors the profile command flags.
type profileOptions struct {
	Table      string
	From       string
	To         string
	Users      []string
	Servers    []string
	Search     []string
	Combinator string
	Types      []string
	Negate     bool
	GroupBy    string
	TopN       int
	Format     string
}

var profileOpts profileOptions

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Aggregate the reduced log into activity profiles",
	Long: `Selects reduced-log records matching the given criteria and reports
per-type totals, time series and the most frequent queries, globally and
per user. Without --table every reduced table is used.

Users and servers may be given by name or id. With --negate the record must
match none of the given criteria.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := profileOpts
		if !cmd.Flags().Changed("group-by") {
			opts.GroupBy = cfg.GroupBy
		}
		if !cmd.Flags().Changed("top") {
			opts.TopN = cfg.TopN
		}
		return runProfile(cmd.Context(), cfg, logger, opts, cmd.OutOrStdout())
	},
}

func init() {
	f := profileCmd.Flags()
	f.StringVar(&profileOpts.Table, "table", "", "reduced table to profile (default: all)")
	f.StringVar(&profileOpts.From, "from", "", "first day, YYYY-MM-DD")
	f.StringVar(&profileOpts.To, "to", "", "last day, YYYY-MM-DD (default: --from)")
	f.StringSliceVar(&profileOpts.Users, "user", nil, "user name or id (repeatable)")
	f.StringSliceVar(&profileOpts.Servers, "server", nil, "server name or id (repeatable)")
	f.StringArrayVar(&profileOpts.Search, "search", nil, "SQL LIKE pattern over the normalized query (repeatable)")
	f.StringVar(&profileOpts.Combinator, "combinator", "any", "how search patterns combine: any, all, none, not all")
	f.StringSliceVar(&profileOpts.Types, "type", nil, "query type (repeatable): "+typeList())
	f.BoolVar(&profileOpts.Negate, "negate", false, "select records matching none of the criteria")
	f.StringVar(&profileOpts.GroupBy, "group-by", model.DefaultGranularity, "time bucket: hour, day, week, month, year")
	f.IntVar(&profileOpts.TopN, "top", model.DefaultTopN, "queries per ranking, 0 for all")
	f.StringVar(&profileOpts.Format, "format", "table", "output format: table, json, yaml")
}

func typeList() string {
	labels := make([]string, len(model.QueryTypes))
	for i, qt := range model.QueryTypes {
		labels[i] = string(qt)
	}
	return strings.Join(labels, ", ")
}

func runProfile(ctx context.Context, cfg appConfig, logger *zap.Logger, opts profileOptions, out io.Writer) error {
	format, err := report.ParseFormat(opts.Format)
	if err != nil {
		return err
	}
	g, err := profile.ParseGranularity(opts.GroupBy)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	users, err := resolveIDs(ctx, store, model.KindUsers, opts.Users)
	if err != nil {
		return err
	}
	servers, err := resolveIDs(ctx, store, model.KindServers, opts.Servers)
	if err != nil {
		return err
	}

	criteria, err := filter.Params{
		From:       opts.From,
		To:         opts.To,
		Users:      users,
		Servers:    servers,
		Search:     opts.Search,
		Combinator: opts.Combinator,
		Types:      opts.Types,
		Negate:     opts.Negate,
	}.Criteria()
	if err != nil {
		return err
	}

	pred := filter.NewCompiler(logger).Compile(criteria)
	logger.Debug("profiling", zap.String("table", opts.Table), zap.String("where", filter.WhereClause(pred)))

	start := time.Now()
	p, err := profile.Run(ctx, store, opts.Table, pred, g, opts.TopN)
	if err != nil {
		return err
	}
	logger.Debug("profile built", zap.Duration("elapsed", time.Since(start)))

	userNames, err := store.Names(ctx, model.KindUsers)
	if err != nil {
		return err
	}
	serverNames, err := store.Names(ctx, model.KindServers)
	if err != nil {
		return err
	}
	return report.Render(out, p, report.Names{Users: userNames, Servers: serverNames}, format)
}

type registryLoader interface {
	LoadRegistry(ctx context.Context, kind string) (map[string]int64, error)
}

// resolveIDs maps names to registry ids. Names are looked up first so a
// numeric name still resolves to its own id; other numbers are taken as ids.
func resolveIDs(ctx context.Context, store registryLoader, kind string, values []string) ([]int64, error) {
	if len(values) == 0 {
		return nil, nil
	}
	reg, err := store.LoadRegistry(ctx, kind)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		if id, ok := reg[v]; ok {
			ids = append(ids, id)
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unknown %s %q", kind, v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
