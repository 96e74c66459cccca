// Package ingest reduces raw query-log tables into the reduced log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/qlprof/internal/duckdb"
	"github.com/tinytelemetry/qlprof/internal/metrics"
	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/reducer"
	"github.com/tinytelemetry/qlprof/internal/registry"
	"github.com/tinytelemetry/qlprof/internal/spool"
)

const (
	defaultWorkers   = 4
	defaultBatchSize = 1000
)

// RowSource streams the raw rows of source tables.
type RowSource interface {
	Tables(ctx context.Context) ([]string, error)
	Rows(ctx context.Context, table string, fn func(model.RawLogRow) error) error
}

// TableCommitter persists a reduced table and the registries it extends.
type TableCommitter interface {
	model.RegistryReader
	model.ReductionIndex
	CommitTable(ctx context.Context, c duckdb.TableCommit) (int64, error)
}

// QueryNormalizer is satisfied by *querynorm.Normalizer.
type QueryNormalizer interface {
	Normalize(raw string) model.NormalizedQuery
}

// Acceptor is satisfied by *reducer.QueryReducer.
type Acceptor interface {
	Accept(identity, rawQuery string, q model.NormalizedQuery) reducer.Decision
}

// PipelineConfig tunes a Pipeline. Zero values take defaults.
type PipelineConfig struct {
	Workers   int    `mapstructure:"workers"`
	BatchSize int    `mapstructure:"batch-size"`
	SpoolDir  string `mapstructure:"spool-dir"`
}

// TableResult summarizes one committed table.
type TableResult struct {
	Table      string                       `json:"table"`
	RunID      string                       `json:"run_id"`
	Rows       int                          `json:"rows"`
	Accepted   int                          `json:"accepted"`
	Rejected   map[reducer.RejectReason]int `json:"rejected"`
	NewUsers   []model.RegistryEntry        `json:"new_users"`
	NewServers []model.RegistryEntry        `json:"new_servers"`
}

// Pipeline reduces tables one at a time. A table is the unit of work:
// either all of its records and registry entries are committed or none.
type Pipeline struct {
	mu      sync.Mutex
	norm    QueryNormalizer
	accept  Acceptor
	store   TableCommitter
	cfg     PipelineConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	users   *registry.Registry
	servers *registry.Registry
}

// NewPipeline creates a pipeline. Registries are loaded from store on the
// first reduction. m may be nil.
func NewPipeline(norm QueryNormalizer, accept Acceptor, store TableCommitter, cfg PipelineConfig, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Pipeline{
		norm:    norm,
		accept:  accept,
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("ingest"),
		metrics: m,
	}
}

func (p *Pipeline) loadRegistries(ctx context.Context) error {
	if p.users != nil && p.servers != nil {
		return nil
	}
	users, err := p.loadRegistry(ctx, model.KindUsers)
	if err != nil {
		return err
	}
	servers, err := p.loadRegistry(ctx, model.KindServers)
	if err != nil {
		return err
	}
	p.users, p.servers = users, servers
	return nil
}

func (p *Pipeline) loadRegistry(ctx context.Context, kind string) (*registry.Registry, error) {
	seed, err := p.store.LoadRegistry(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("ingest: load %s registry: %w", kind, err)
	}
	r, err := registry.New(kind, seed)
	if err != nil {
		return nil, fmt.Errorf("ingest: load %s registry: %w", kind, err)
	}
	return r, nil
}

// ReduceTable reduces one source table and commits it.
func (p *Pipeline) ReduceTable(ctx context.Context, table string, src RowSource) (TableResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.reduceTable(ctx, table, src)
	if err != nil {
		p.metrics.TableReduced("failed")
		return TableResult{}, err
	}
	p.metrics.TableReduced("committed")
	return res, nil
}

func (p *Pipeline) reduceTable(ctx context.Context, table string, src RowSource) (res TableResult, err error) {
	if err := p.loadRegistries(ctx); err != nil {
		return res, err
	}
	reduced, err := p.store.IsReduced(ctx, table)
	if err != nil {
		return res, fmt.Errorf("ingest: %s: %w", table, err)
	}
	if reduced {
		return res, fmt.Errorf("ingest: %s: %w", table, duckdb.ErrAlreadyReduced)
	}

	sp, err := spool.Create(p.cfg.SpoolDir, table)
	if err != nil {
		return res, fmt.Errorf("ingest: %s: %w", table, err)
	}
	committed := false
	defer func() {
		if !committed {
			p.users.Rollback()
			p.servers.Rollback()
		}
		if derr := sp.Discard(); derr != nil {
			p.logger.Warn("failed to discard spool", zap.String("path", sp.Path()), zap.Error(derr))
		}
	}()

	res = TableResult{
		Table:    table,
		RunID:    uuid.NewString(),
		Rejected: make(map[reducer.RejectReason]int),
	}
	asm := NewAssembler(p.users, p.servers)

	batch := make([]model.RawLogRow, 0, p.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.processBatch(ctx, batch, asm, sp, &res); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = src.Rows(ctx, table, func(row model.RawLogRow) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.metrics.RowRead(table)
		res.Rows++
		if !row.CommandType.Reducible() {
			return nil
		}
		batch = append(batch, row)
		if len(batch) >= p.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return res, fmt.Errorf("ingest: reduce %s: %w", table, err)
	}

	res.NewUsers = p.users.Pending()
	res.NewServers = p.servers.Pending()
	if _, err := p.store.CommitTable(ctx, duckdb.TableCommit{
		Table:      table,
		RunID:      res.RunID,
		Records:    sp,
		NewUsers:   res.NewUsers,
		NewServers: res.NewServers,
	}); err != nil {
		return res, fmt.Errorf("ingest: commit %s: %w", table, err)
	}
	p.users.Commit()
	p.servers.Commit()
	committed = true

	p.logger.Info("reduced table",
		zap.String("table", table),
		zap.String("run_id", res.RunID),
		zap.Int("rows", res.Rows),
		zap.Int("accepted", res.Accepted),
		zap.Int("new_users", len(res.NewUsers)),
		zap.Int("new_servers", len(res.NewServers)))
	return res, nil
}

// processBatch normalizes rows in parallel, then accepts and assembles them
// in input order so id assignment follows the source order.
func (p *Pipeline) processBatch(ctx context.Context, rows []model.RawLogRow, asm *Assembler, sp *spool.Spool, res *TableResult) error {
	normalized := make([]model.NormalizedQuery, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			normalized[i] = p.norm.Normalize(rows[i].QueryText)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, row := range rows {
		d := p.accept.Accept(row.IdentityString, row.QueryText, normalized[i])
		if d.IdentityErr != nil {
			p.metrics.IdentityParseFailure()
		}
		if !d.Accepted {
			res.Rejected[d.Reason]++
			p.metrics.RowRejected(string(d.Reason))
			continue
		}
		rec := asm.Assemble(row, d)
		if err := sp.Append(&rec); err != nil {
			return err
		}
		res.Accepted++
		p.metrics.RowAccepted(string(rec.Type))
	}
	return nil
}

// ReduceAll reduces every source table that has not been reduced yet, in
// name order. Results of tables committed before an error are returned
// with it.
func (p *Pipeline) ReduceAll(ctx context.Context, src RowSource) ([]TableResult, error) {
	tables, err := src.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: list tables: %w", err)
	}
	sort.Strings(tables)

	var results []TableResult
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		reduced, err := p.store.IsReduced(ctx, table)
		if err != nil {
			return results, fmt.Errorf("ingest: %s: %w", table, err)
		}
		if reduced {
			p.logger.Debug("table already reduced", zap.String("table", table))
			p.metrics.TableReduced("skipped")
			continue
		}
		res, err := p.ReduceTable(ctx, table, src)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// IsConflict reports whether err aborted a table on a registry conflict.
func IsConflict(err error) bool {
	return errors.Is(err, registry.ErrRegistryConflict)
}
