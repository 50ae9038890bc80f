// Package orchestrator assembles the framebus components and runs them as
// one unit: stream ingest, routing, the processor registry, the control
// plane, and scheduled maintenance.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/framebus/internal/backpressure"
	"github.com/jmylchreest/framebus/internal/config"
	internalhttp "github.com/jmylchreest/framebus/internal/http"
	"github.com/jmylchreest/framebus/internal/http/handlers"
	"github.com/jmylchreest/framebus/internal/ingest"
	"github.com/jmylchreest/framebus/internal/maintenance"
	"github.com/jmylchreest/framebus/internal/observability"
	"github.com/jmylchreest/framebus/internal/registry"
	"github.com/jmylchreest/framebus/internal/router"
	"github.com/jmylchreest/framebus/internal/telemetry"
	"github.com/jmylchreest/framebus/internal/version"
	"github.com/jmylchreest/framebus/internal/workqueue"
	"github.com/jmylchreest/framebus/pkg/streamio"
)

// Orchestrator owns every long-running component of one framebus instance.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	client   *redis.Client
	metrics  *telemetry.Metrics
	registry *registry.Registry
	queues   *workqueue.Manager
	bp       *backpressure.Controller
	consumer *ingest.Consumer
	janitor  *maintenance.Janitor
	server   *internalhttp.Server

	shutdownTracing func(context.Context) error
}

// New dials the stream endpoint and wires the components together. The
// returned orchestrator is idle until Run is called.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	_, shutdownTracing, err := observability.NewTracerProvider(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	client, err := streamio.Dial(ctx, streamio.Config{
		Endpoint:          cfg.Stream.Endpoint,
		Password:          cfg.Stream.Password,
		DialTimeout:       cfg.Stream.DialTimeout,
		ConnectAttempts:   cfg.Stream.ConnectAttempts,
		ConnectBackoff:    cfg.Stream.ConnectBackoff,
		ConnectBackoffMax: cfg.Stream.ConnectBackoffMax,
	}, logger)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, err
	}
	logger.Info("stream endpoint connected", slog.String("endpoint", cfg.Stream.Endpoint))

	metrics := telemetry.New()

	queues := workqueue.NewManager(client,
		observability.WithComponent(logger, "workqueue"), metrics, cfg.Queues.BoundDefault)

	reg := registry.New(
		observability.WithComponent(logger, "registry"), metrics, cfg.Registry,
	).WithPendingChecker(queues)

	bp := backpressure.New(
		observability.WithComponent(logger, "backpressure"), metrics,
		cfg.Backpressure, cfg.Ingest.PauseThreshold())

	rtr := router.New(
		observability.WithComponent(logger, "router"), metrics, reg, queues, bp, cfg.Router)

	consumer := ingest.New(client,
		observability.WithComponent(logger, "ingest"), metrics, bp, rtr,
		cfg.Ingest, cfg.Queues.DLQBound, cfg.Router.Concurrency)

	janitor := maintenance.New(
		observability.WithComponent(logger, "maintenance"), client, reg, queues, cfg.Queues)

	o := &Orchestrator{
		cfg:             cfg,
		logger:          logger,
		client:          client,
		metrics:         metrics,
		registry:        reg,
		queues:          queues,
		bp:              bp,
		consumer:        consumer,
		janitor:         janitor,
		shutdownTracing: shutdownTracing,
	}
	o.server = o.buildServer()
	return o, nil
}

// buildServer assembles the control-plane HTTP server and registers every
// handler on it.
func (o *Orchestrator) buildServer() *internalhttp.Server {
	server := internalhttp.NewServer(o.cfg.Server,
		observability.WithComponent(o.logger, "http"), version.Version)

	handlers.NewProcessorHandler(
		observability.WithComponent(o.logger, "handlers"), o.registry, o.queues,
	).Register(server.API())

	handlers.NewQueueHandler(o.queues).Register(server.API())

	handlers.NewHealthHandler(version.Version).
		WithRegistry(o.registry).
		WithIngest(o.consumer).
		WithBackpressure(o.bp).
		Register(server.API())

	handlers.NewVersionHandler().Register(server.API())

	server.Router().Handle("/metrics", o.metrics.Handler())

	return server
}

// Metrics exposes the instrument set, used by tests.
func (o *Orchestrator) Metrics() *telemetry.Metrics { return o.metrics }

// Server exposes the control-plane server, used by tests.
func (o *Orchestrator) Server() *internalhttp.Server { return o.server }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. A persistent ingest read failure propagates out as
// ingest.ErrReadsFatal so main can exit with a runtime-failure code.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.registry.Start(ctx)
		return nil
	})

	g.Go(func() error {
		o.bp.RunSampler(ctx, o.queues, o.consumer)
		return nil
	})

	g.Go(func() error {
		return o.consumer.Run(ctx)
	})

	g.Go(func() error {
		return o.server.ListenAndServe(ctx)
	})

	if o.cfg.Maintenance.Enabled {
		if err := o.janitor.Start(ctx, o.cfg.Maintenance.Cron); err != nil {
			return fmt.Errorf("orchestrator: start janitor: %w", err)
		}
	}

	o.logger.Info("orchestrator running",
		slog.String("version", version.Version),
		slog.String("address", o.cfg.Server.Address()),
		slog.String("ingest_stream", o.cfg.Ingest.Stream),
		slog.String("ingest_group", o.cfg.Ingest.Group),
	)

	err := g.Wait()
	o.close()
	return err
}

// close releases connections and flushes pending spans.
func (o *Orchestrator) close() {
	if err := o.client.Close(); err != nil {
		o.logger.Warn("closing stream client", slog.String("error", err.Error()))
	}
	if o.shutdownTracing != nil {
		if err := o.shutdownTracing(context.Background()); err != nil {
			o.logger.Warn("flushing spans", slog.String("error", err.Error()))
		}
	}
}
