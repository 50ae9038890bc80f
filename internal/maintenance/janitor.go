// Package maintenance runs scheduled housekeeping over the stream keyspace:
// deleting work queues orphaned by evicted processors and capping the
// dead-letter and result streams.
package maintenance

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/framebus/internal/config"
	"github.com/jmylchreest/framebus/internal/registry"
	"github.com/jmylchreest/framebus/internal/workqueue"
	"github.com/jmylchreest/framebus/pkg/frame"
	"github.com/jmylchreest/framebus/pkg/streamio"
)

// Janitor is the scheduled cleanup task. One instance runs inside the
// orchestrator on the configured cron schedule.
type Janitor struct {
	logger   *slog.Logger
	client   *redis.Client
	registry *registry.Registry
	queues   *workqueue.Manager

	dlqBound    int64
	resultBound int64

	cron *cron.Cron
}

// New builds a Janitor. dlqBound caps every dead-letter stream; resultBound
// caps the shared result stream.
func New(logger *slog.Logger, client *redis.Client, reg *registry.Registry, queues *workqueue.Manager, cfg config.QueuesConfig) *Janitor {
	return &Janitor{
		logger:      logger,
		client:      client,
		registry:    reg,
		queues:      queues,
		dlqBound:    cfg.DLQBound,
		resultBound: cfg.ResultBound,
	}
}

// Start schedules the janitor with a 6-field cron expression (seconds first)
// and runs it until ctx is cancelled. Returns an error only when the
// expression does not parse.
func (j *Janitor) Start(ctx context.Context, spec string) error {
	j.cron = cron.New(cron.WithSeconds())
	_, err := j.cron.AddFunc(spec, func() { j.RunOnce(ctx) })
	if err != nil {
		return err
	}
	j.cron.Start()
	go func() {
		<-ctx.Done()
		<-j.cron.Stop().Done()
	}()
	j.logger.Info("maintenance scheduled", slog.String("cron", spec))
	return nil
}

// RunOnce executes one full cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	deleted := j.collectOrphanQueues(ctx)
	trimmed := j.trimDeadLetters(ctx)
	trimmed += j.trimResults(ctx)

	j.logger.Info("maintenance pass complete",
		slog.Int("queues_deleted", deleted),
		slog.Int64("entries_trimmed", trimmed),
	)
}

// collectOrphanQueues deletes work queues whose processor is gone from the
// registry, but only once their pending list is empty: an in-flight entry
// may still be settled by a restarting processor.
func (j *Janitor) collectOrphanQueues(ctx context.Context) int {
	deleted := 0
	for _, id := range j.queues.Known() {
		if _, ok := j.registry.Get(id); ok {
			continue
		}
		pending, err := j.queues.Pending(ctx, id)
		if err != nil {
			j.logger.Warn("orphan queue pending lookup failed",
				slog.String("processor_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if pending > 0 {
			j.logger.Debug("orphan queue kept, entries still pending",
				slog.String("processor_id", id),
				slog.Int64("pending", pending),
			)
			continue
		}
		if err := j.queues.DeleteQueue(ctx, id); err != nil {
			j.logger.Warn("orphan queue delete failed",
				slog.String("processor_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		j.logger.Info("orphan queue deleted", slog.String("processor_id", id))
		deleted++
	}
	return deleted
}

// trimDeadLetters caps every frames:dlq:* stream at the configured bound.
// Dead letters are diagnostic; old ones age out rather than grow unbounded.
func (j *Janitor) trimDeadLetters(ctx context.Context) int64 {
	var trimmed int64
	var cursor uint64
	prefix := frame.DLQName("")
	for {
		keys, next, err := j.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			j.logger.Warn("dead-letter scan failed", slog.String("error", err.Error()))
			return trimmed
		}
		for _, key := range keys {
			n, err := streamio.Trim(ctx, j.client, key, j.dlqBound)
			if err != nil {
				j.logger.Warn("dead-letter trim failed",
					slog.String("stream", key),
					slog.String("error", err.Error()),
				)
				continue
			}
			trimmed += n
		}
		cursor = next
		if cursor == 0 {
			return trimmed
		}
	}
}

func (j *Janitor) trimResults(ctx context.Context) int64 {
	n, err := streamio.Trim(ctx, j.client, frame.StreamResults, j.resultBound)
	if err != nil {
		j.logger.Warn("result trim failed", slog.String("error", err.Error()))
		return 0
	}
	return n
}
