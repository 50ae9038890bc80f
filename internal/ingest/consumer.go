// Package ingest reads the frame-metadata stream as a consumer-group member
// and feeds each entry through the router, acknowledging only what the
// router placed (or deliberately discarded).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/framebus/internal/backpressure"
	"github.com/jmylchreest/framebus/internal/config"
	"github.com/jmylchreest/framebus/internal/observability"
	"github.com/jmylchreest/framebus/internal/router"
	"github.com/jmylchreest/framebus/internal/telemetry"
	"github.com/jmylchreest/framebus/pkg/frame"
	"github.com/jmylchreest/framebus/pkg/streamio"
)

// ErrReadsFatal means stream reads kept failing beyond read_fatal_after.
// The orchestrator exits with a runtime failure so a supervisor restarts it.
var ErrReadsFatal = errors.New("ingest: stream reads failing persistently")

// Routing places one frame. Satisfied by the router.
type Routing interface {
	Route(ctx context.Context, f frame.Frame) (router.Outcome, error)
}

// deferred is a not-admitted entry waiting for its next routing attempt.
// The entry stays in the ingest pending list the whole time, so a crash
// loses nothing: a peer reclaims it after pel_reclaim_ms.
type deferred struct {
	entry streamio.Entry
	due   time.Time
}

// Consumer is the ingest stream reader. One Consumer runs per orchestrator,
// with a worker pool routing entries concurrently.
type Consumer struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	bp      *backpressure.Controller
	route   Routing

	reader *streamio.GroupReader
	dlq    *streamio.Appender

	batchSize     int
	block         time.Duration
	pelReclaim    time.Duration
	claimInterval time.Duration
	retryInterval time.Duration
	readFatal     time.Duration
	workers       int

	running   atomic.Bool
	connected atomic.Bool

	mu       sync.Mutex
	retries  []deferred
	claimCur string
}

// New builds a Consumer. workers is the routing pool size; dlqBound caps the
// malformed-entry dead-letter stream.
func New(client *redis.Client, logger *slog.Logger, metrics *telemetry.Metrics, bp *backpressure.Controller, route Routing, cfg config.IngestConfig, dlqBound int64, workers int) *Consumer {
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = defaultConsumerName()
	}
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		logger:        logger,
		metrics:       metrics,
		bp:            bp,
		route:         route,
		reader:        streamio.NewGroupReader(client, cfg.Stream, cfg.Group, consumer, int64(cfg.BatchSize), cfg.Block()),
		dlq:           streamio.NewAppender(client, frame.StreamMalformedDLQ, dlqBound),
		batchSize:     cfg.BatchSize,
		block:         cfg.Block(),
		pelReclaim:    cfg.PELReclaim(),
		claimInterval: cfg.ClaimInterval,
		retryInterval: cfg.DelayRetryInterval,
		readFatal:     cfg.ReadFatalAfter,
		workers:       workers,
		claimCur:      "0-0",
	}
}

// defaultConsumerName derives a stable-enough consumer name for the group.
// Pending entries are keyed by it, so the hostname keeps reclaim attribution
// readable; the ULID suffix keeps two orchestrators on one host apart.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "framebus"
	}
	return host + "-" + ulid.Make().String()
}

// Consumer returns this reader's consumer name within the group.
func (c *Consumer) Consumer() string { return c.reader.Consumer() }

// Running reports whether the read loop is active. Drives /health.
func (c *Consumer) Running() bool { return c.running.Load() }

// Connected reports whether the last stream read succeeded. Drives /ready.
func (c *Consumer) Connected() bool { return c.connected.Load() }

// PendingCount returns the ingest group's pending-list depth.
func (c *Consumer) PendingCount(ctx context.Context) (int64, error) {
	return c.reader.PendingCount(ctx)
}

// Run executes the read loop until ctx is cancelled or reads become
// persistently fatal. It creates the consumer group on first use.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.reader.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ingest: ensure group: %w", err)
	}
	c.running.Store(true)
	c.connected.Store(true)
	defer c.running.Store(false)

	c.logger.Info("ingest consumer started",
		slog.String("stream", c.reader.Stream()),
		slog.String("group", c.reader.Group()),
		slog.String("consumer", c.reader.Consumer()),
		slog.Int("workers", c.workers),
	)

	work := make(chan streamio.Entry)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range work {
				c.handle(ctx, entry)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
	}()

	var firstFailure time.Time
	lastClaim := time.Time{}

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.enqueueDueRetries(ctx, work)
		c.samplePEL(ctx)

		if c.bp.Paused() {
			// Admission paused: stop pulling new entries but keep draining
			// the retry list so the pending list can shrink.
			if !sleepCtx(ctx, c.block) {
				return nil
			}
			continue
		}

		if lastClaim.IsZero() || time.Since(lastClaim) >= c.claimInterval {
			c.claimAbandoned(ctx, work)
			lastClaim = time.Now()
		}

		entries, err := c.reader.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.connected.Store(false)
			if firstFailure.IsZero() {
				firstFailure = time.Now()
			} else if time.Since(firstFailure) > c.readFatal {
				return fmt.Errorf("%w: since %s: %v", ErrReadsFatal, firstFailure.Format(time.RFC3339), err)
			}
			delay := streamio.RetryDelay(0, 100*time.Millisecond, 5*time.Second)
			c.logger.Warn("ingest read failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		c.connected.Store(true)
		firstFailure = time.Time{}

		for _, entry := range entries {
			select {
			case work <- entry:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// claimAbandoned transfers entries idle past pel_reclaim_ms from any
// consumer to this one, recovering work abandoned by crashed peers.
func (c *Consumer) claimAbandoned(ctx context.Context, work chan<- streamio.Entry) {
	c.mu.Lock()
	cursor := c.claimCur
	c.mu.Unlock()

	entries, next, err := c.reader.AutoClaim(ctx, c.pelReclaim, cursor, int64(c.batchSize))
	if err != nil {
		c.logger.Warn("pending reclaim failed", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.claimCur = next
	c.mu.Unlock()

	if len(entries) > 0 {
		c.logger.Info("reclaimed abandoned ingest entries",
			slog.Int("count", len(entries)),
			slog.Duration("min_idle", c.pelReclaim),
		)
	}
	for _, entry := range entries {
		select {
		case work <- entry:
		case <-ctx.Done():
			return
		}
	}
}

// handle routes one entry and settles it: ack on placement or deliberate
// drop, dead-letter-and-ack on malformed, defer on not-admitted.
func (c *Consumer) handle(ctx context.Context, entry streamio.Entry) {
	c.metrics.FramesIngested.Inc()

	f, err := frame.FromFields(entry.Values)
	if err != nil {
		c.deadLetterMalformed(ctx, entry, err)
		return
	}

	outcome, err := c.route.Route(ctx, f)
	switch outcome {
	case router.OutcomeRouted, router.OutcomeDropped:
		c.ack(ctx, entry.ID)
	case router.OutcomeNotAdmitted:
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		c.logger.Log(ctx, observability.LevelTrace, "frame deferred",
			slog.String("frame_id", f.FrameID),
			slog.String("entry_id", entry.ID),
			slog.String("reason", reason),
		)
		c.mu.Lock()
		c.retries = append(c.retries, deferred{entry: entry, due: time.Now().Add(c.retryInterval)})
		c.mu.Unlock()
	}
}

// deadLetterMalformed parks an undecodable entry and acks it so a poison
// entry cannot wedge the stream.
func (c *Consumer) deadLetterMalformed(ctx context.Context, entry streamio.Entry, cause error) {
	values := make(map[string]string, len(entry.Values)+1)
	for k, v := range entry.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprint(v)
		}
	}
	values[frame.FieldFailureReason] = cause.Error()

	if _, err := c.dlq.Append(ctx, values); err != nil {
		// Leave it in the pending list; a later delivery tries again.
		c.logger.Error("malformed entry could not be dead-lettered",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	c.metrics.FramesDropped.WithLabelValues(telemetry.DropReasonMalformed).Inc()
	c.metrics.FramesDeadLettered.Inc()
	c.logger.Warn("malformed ingest entry dead-lettered",
		slog.String("entry_id", entry.ID),
		slog.String("reason", cause.Error()),
	)
	c.ack(ctx, entry.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.reader.Ack(ctx, id); err != nil {
		// The entry stays pending and will be redelivered; acceptable under
		// at-least-once.
		c.logger.Warn("ack failed", slog.String("entry_id", id), slog.String("error", err.Error()))
	}
}

// enqueueDueRetries moves deferred entries whose delay elapsed back into
// the worker pool.
func (c *Consumer) enqueueDueRetries(ctx context.Context, work chan<- streamio.Entry) {
	now := time.Now()

	c.mu.Lock()
	var due []streamio.Entry
	remaining := c.retries[:0]
	for _, d := range c.retries {
		if !d.due.After(now) {
			due = append(due, d.entry)
		} else {
			remaining = append(remaining, d)
		}
	}
	c.retries = remaining
	c.mu.Unlock()

	for _, entry := range due {
		select {
		case work <- entry:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) samplePEL(ctx context.Context) {
	depth, err := c.reader.PendingCount(ctx)
	if err != nil {
		c.logger.Debug("pending depth probe failed", slog.String("error", err.Error()))
		return
	}
	c.bp.ObservePEL(depth)
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
