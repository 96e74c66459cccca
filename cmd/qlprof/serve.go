package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/qlprof/internal/httpserver"
	"github.com/tinytelemetry/qlprof/internal/ingest"
	"github.com/tinytelemetry/qlprof/internal/logsource"
	"github.com/tinytelemetry/qlprof/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the profile HTTP API",
	Long: `Starts the HTTP API over the reduced log. When reduce-interval is set,
new MySQL general_log tables are reduced periodically while serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg, logger)
	},
}

// runServe serves the API until SIGINT/SIGTERM.
func runServe(parent context.Context, cfg appConfig, logger *zap.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	apiServer := httpserver.NewServer(cfg.APIAddr, store,
		httpserver.WithLogger(logger),
		httpserver.WithMetrics(m, reg),
		httpserver.WithProfileDefaults(cfg.granularity(), cfg.TopN))
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer apiServer.Stop()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if cfg.ReduceInterval > 0 {
		src, err := logsource.NewGeneralLog(cfg.MySQL, logger)
		if err != nil {
			return err
		}
		defer src.Close()
		pipeline, err := newPipeline(cfg, logger, store, m)
		if err != nil {
			return err
		}
		g.Go(func() error {
			reduceLoop(gctx, pipeline, src, apiServer, cfg.ReduceInterval, logger)
			return nil
		})
	}

	logger.Info("qlprof serving",
		zap.String("api", "http://"+apiServer.Addr()),
		zap.String("db", cfg.DBPath),
		zap.Duration("reduce_interval", cfg.ReduceInterval))

	return g.Wait()
}

type invalidator interface {
	Invalidate()
}

// reduceLoop reduces new source tables every interval until ctx is done.
// Failures are logged and retried on the next tick.
func reduceLoop(ctx context.Context, p *ingest.Pipeline, src ingest.RowSource, cache invalidator, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		results, err := p.ReduceAll(ctx, src)
		if len(results) > 0 {
			cache.Invalidate()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("periodic reduce failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
