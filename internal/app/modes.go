package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/tradecdc/internal/blob/s3"
	"github.com/alanyoungcy/tradecdc/internal/domain"
	"github.com/alanyoungcy/tradecdc/internal/enrich"
	"github.com/alanyoungcy/tradecdc/internal/firehose"
	"github.com/alanyoungcy/tradecdc/internal/merge"
	"github.com/alanyoungcy/tradecdc/internal/pipeline"
	"github.com/alanyoungcy/tradecdc/internal/server"
	"github.com/alanyoungcy/tradecdc/internal/server/handler"
)

// TransformMode serves only the transformation endpoint. Transformed rows
// are appended to the delivery stream when publishing is on.
func (a *App) TransformMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting transform mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, server.Handlers{
		Health:    a.healthHandler(deps),
		Transform: a.transformHandler(deps),
	})
	return g.Wait()
}

// MergeMode runs the batch merge job on its schedule. The HTTP server, when
// enabled, exposes the trigger and the read endpoints.
func (a *App) MergeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting merge mode")

	g, ctx := errgroup.WithContext(ctx)
	handlers, err := a.startMergeJob(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("merge mode: %w", err)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, handlers)
	}
	return g.Wait()
}

// FullMode runs the transformation endpoint and the merge job in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	handlers, err := a.startMergeJob(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	handlers.Transform = a.transformHandler(deps)
	a.startHTTPServer(ctx, g, handlers)
	return g.Wait()
}

// buildTable creates the in-memory merged table and seeds it from the
// latest lake files when bootstrapping is on.
func (a *App) buildTable(ctx context.Context, deps *Dependencies) (*merge.Table, error) {
	spec := TableSpec(a.cfg)
	opts := []merge.Option{merge.WithShards(a.cfg.Table.Shards)}
	if deps.Locks != nil {
		opts = append(opts, merge.WithLockManager(deps.Locks, a.cfg.Pipeline.LockTTL.Duration))
	}
	table := merge.NewTable(spec, a.logger, opts...)

	if a.cfg.Table.BootstrapFromS3 && deps.Bucket != nil {
		start := time.Now()
		rows, err := s3blob.NewTableLoader(deps.Bucket, spec, a.logger).LoadLatest(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap table from s3: %w", err)
		}
		loaded := table.Load(rows)
		a.logger.InfoContext(ctx, "table bootstrapped from s3",
			slog.Int("rows", loaded),
			slog.Int("partitions", len(table.Partitions())),
			slog.Duration("took", time.Since(start)),
		)
	}
	return table, nil
}

// buildSinks returns the configured table sinks in write order: the lake
// copy, the queryable copy and finally the commit log.
func (a *App) buildSinks(deps *Dependencies, table *merge.Table) []pipeline.NamedSink {
	spec := TableSpec(a.cfg)
	var sinks []pipeline.NamedSink

	if deps.Bucket != nil {
		var opts []s3blob.SinkOption
		if a.cfg.S3.RetainFiles > 0 {
			opts = append(opts, s3blob.WithCleaner(deps.Bucket, deps.Bucket, a.cfg.S3.RetainFiles))
		}
		sinks = append(sinks, pipeline.NamedSink{
			Name: "s3",
			Sink: s3blob.NewTableSink(deps.Bucket, table, spec, a.logger, opts...),
		})
	}
	if deps.TradeTable != nil {
		sinks = append(sinks, pipeline.NamedSink{Name: "postgres", Sink: deps.TradeTable})
	}
	if deps.AuditStore != nil {
		sinks = append(sinks, pipeline.NamedSink{Name: "audit", Sink: deps.AuditStore})
	}
	if len(sinks) == 0 {
		a.logger.Warn("no table sinks configured, merged rows are kept in memory only")
	}
	return sinks
}

// startMergeJob builds the table, the enrichment engine and the job, adds
// the orchestrator to g and returns the HTTP handlers that expose them.
func (a *App) startMergeJob(ctx context.Context, g *errgroup.Group, deps *Dependencies) (server.Handlers, error) {
	multipliers, err := a.cfg.Enrich.MultiplierTable()
	if err != nil {
		return server.Handlers{}, err
	}
	engine := enrich.NewEngine(a.logger, enrich.WithMultipliers(multipliers))

	table, err := a.buildTable(ctx, deps)
	if err != nil {
		return server.Handlers{}, err
	}

	job := pipeline.NewJob(
		pipeline.JobConfig{
			Stream:    a.cfg.Pipeline.Stream,
			Consumer:  a.cfg.Pipeline.Consumer,
			BatchSize: a.cfg.Pipeline.BatchSize,
		},
		deps.Stream,
		deps.Checkpoints,
		engine,
		table,
		a.buildSinks(deps, table),
		a.logger,
	)

	var opts []pipeline.OrchestratorOption
	if a.cfg.Pipeline.Cron != "" {
		opts = append(opts, pipeline.WithCron(a.cfg.Pipeline.Cron))
	}
	if a.cfg.Pipeline.NotifyChannel != "" {
		opts = append(opts, pipeline.WithNotifications(deps.Stream, a.cfg.Pipeline.NotifyChannel))
	}
	orch := pipeline.NewOrchestrator(job, a.cfg.Pipeline.PollInterval.Duration, a.logger, opts...)

	g.Go(func() error {
		return orch.Run(ctx)
	})

	var reader domain.TradeReader = table.Reader()
	var commits handler.CommitLister
	if deps.TradeTable != nil {
		reader = deps.TradeTable
	}
	if deps.AuditStore != nil {
		commits = deps.AuditStore
	}

	return server.Handlers{
		Health: a.healthHandler(deps),
		Pipeline: handler.NewPipelineHandler(a.logger).
			WithTriggerChannel(orch.TriggerChannel()).
			WithReporter(orch),
		Table: handler.NewTableHandler(reader, commits, a.logger),
	}, nil
}

func (a *App) transformHandler(deps *Dependencies) *handler.TransformHandler {
	adapter := firehose.NewAdapter(a.cfg.Firehose.Workers, a.logger)
	h := handler.NewTransformHandler(adapter, a.cfg.Firehose.MaxBodyBytes, a.logger)
	if a.cfg.Firehose.PublishToStream && deps.Stream != nil {
		h = h.WithStream(deps.Stream, a.cfg.Pipeline.Stream)
		if a.cfg.Pipeline.NotifyChannel != "" {
			h = h.WithNotifier(deps.Stream, a.cfg.Pipeline.NotifyChannel)
		}
	}
	return h
}

// healthHandler reports the reachability of every wired backend.
func (a *App) healthHandler(deps *Dependencies) *handler.HealthHandler {
	h := handler.NewHealthHandler(a.logger)
	if deps.Redis != nil {
		h = h.WithCheck("redis", deps.Redis.Ping)
	}
	if deps.Postgres != nil {
		h = h.WithCheck("postgres", deps.Postgres.Ping)
	}
	if deps.S3 != nil {
		h = h.WithCheck("s3", deps.S3.Health)
	}
	return h
}

// startHTTPServer adds the HTTP server to g. The server is shut down
// gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, handlers server.Handlers) {
	apiKey := a.cfg.Server.APIKey
	if apiKey == "" {
		apiKey = a.cfg.Firehose.AccessKey
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      apiKey,
	}, handlers, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
