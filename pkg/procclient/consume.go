package procclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmylchreest/framebus/pkg/frame"
	"github.com/jmylchreest/framebus/pkg/streamio"
	"github.com/jmylchreest/framebus/pkg/tracectx"
)

// Handler processes one dispatched frame. The returned payload is published
// to the result stream; a nil payload publishes an empty result. An error
// leaves the entry unacked so it is redelivered.
type Handler func(ctx context.Context, d frame.Dispatch) (json.RawMessage, error)

// Run registers the processor, then consumes its work queue with the
// configured worker pool until ctx is cancelled, heartbeating throughout.
// On shutdown it drains via the control plane before returning.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	if err := c.Register(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(runCtx)
	}()

	err := c.consume(runCtx, handler)

	cancel()
	wg.Wait()

	// Drain politely with a fresh context; the run context is already gone.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if derr := c.Deregister(drainCtx); derr != nil {
		c.logger.Warn("drain on shutdown failed", slog.String("error", derr.Error()))
	}
	return err
}

// consume reads the work queue and fans entries out to handler workers.
func (c *Client) consume(ctx context.Context, handler Handler) error {
	reader := c.newReader()
	results := c.results
	dlq := streamio.NewAppender(c.redis, frame.DLQName(c.cfg.ProcessorID), 0)
	tracer := otel.Tracer("framebus/procclient")

	work := make(chan streamio.Entry)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range work {
				c.handle(ctx, tracer, reader, results, dlq, handler, entry, 1)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
	}()

	lastClaim := time.Time{}
	var failingSince time.Time
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if lastClaim.IsZero() || time.Since(lastClaim) >= c.cfg.ClaimInterval {
			c.reclaim(ctx, tracer, reader, results, dlq, handler)
			lastClaim = time.Now()
		}

		entries, err := reader.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if failingSince.IsZero() {
				failingSince = time.Now()
			} else if time.Since(failingSince) >= c.cfg.ReadFatalAfter {
				return fmt.Errorf("%w: %v", ErrReadsFatal, err)
			}
			delay := streamio.RetryDelay(attempt, 100*time.Millisecond, 5*time.Second)
			attempt++
			c.logger.Warn("work queue read failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failingSince = time.Time{}
		attempt = 0

		for _, entry := range entries {
			select {
			case work <- entry:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// reclaim takes over entries left pending by a previous incarnation of this
// processor and runs them through the handler. Entries already delivered
// more than max_redeliveries times go to the dead-letter stream instead.
func (c *Client) reclaim(ctx context.Context, tracer trace.Tracer, reader *streamio.GroupReader, results, dlq *streamio.Appender, handler Handler) {
	pending, err := reader.Pending(ctx, int64(c.cfg.BatchSize))
	if err != nil {
		c.logger.Warn("pending inspection failed", slog.String("error", err.Error()))
		return
	}

	var stale []string
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Idle < c.cfg.ClaimMinIdle {
			continue
		}
		stale = append(stale, p.ID)
		deliveries[p.ID] = p.Deliveries
	}
	if len(stale) == 0 {
		return
	}

	entries, err := reader.Claim(ctx, c.cfg.ClaimMinIdle, stale...)
	if err != nil {
		c.logger.Warn("pending claim failed", slog.String("error", err.Error()))
		return
	}
	if len(entries) > 0 {
		c.logger.Info("reclaimed pending work-queue entries", slog.Int("count", len(entries)))
	}
	for _, entry := range entries {
		// The claim counts as a delivery.
		c.handle(ctx, tracer, reader, results, dlq, handler, entry, deliveries[entry.ID]+1)
	}
}

// handle runs one entry through the handler: ack and publish on success,
// dead-letter past the redelivery budget, otherwise leave pending for
// another attempt.
func (c *Client) handle(ctx context.Context, tracer trace.Tracer, reader *streamio.GroupReader, results, dlq *streamio.Appender, handler Handler, entry streamio.Entry, deliveries int64) {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	d, err := frame.DispatchFromFields(entry.Values)
	if err != nil {
		c.deadLetter(ctx, reader, dlq, entry, fmt.Sprintf("malformed dispatch: %v", err))
		return
	}

	if deliveries > c.cfg.MaxRedeliveries {
		c.deadLetter(ctx, reader, dlq, entry, fmt.Sprintf("exceeded %d deliveries", c.cfg.MaxRedeliveries))
		return
	}

	frameCtx := tracectx.Extract(ctx, d.Frame.TraceContext)
	frameCtx, span := tracer.Start(frameCtx, "frame.process", trace.WithAttributes(
		attribute.String("frame.id", d.Frame.FrameID),
		attribute.String("processor.id", c.cfg.ProcessorID),
		attribute.String("dispatch.id", d.DispatchID),
	))
	defer span.End()

	payload, err := handler(frameCtx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		c.logger.Warn("frame handler failed, entry left for redelivery",
			slog.String("frame_id", d.Frame.FrameID),
			slog.Int64("deliveries", deliveries),
			slog.String("error", err.Error()),
		)
		return
	}

	result := frame.Result{
		FrameID:      d.Frame.FrameID,
		ProcessorID:  c.cfg.ProcessorID,
		Payload:      payload,
		TraceContext: tracectx.Inject(frameCtx),
	}
	values, err := result.Fields()
	if err != nil {
		span.RecordError(err)
		c.logger.Error("result encoding failed",
			slog.String("frame_id", d.Frame.FrameID),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := results.Append(ctx, values); err != nil {
		// Leave the entry pending; the retry will re-run the handler.
		// Duplicate results are acceptable under at-least-once.
		span.RecordError(err)
		c.logger.Warn("result publish failed, entry left for redelivery",
			slog.String("frame_id", d.Frame.FrameID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := reader.Ack(ctx, entry.ID); err != nil {
		c.logger.Warn("ack failed",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
}

// deadLetter parks an entry on the processor's dead-letter stream and acks
// it so it stops cycling through the pending list.
func (c *Client) deadLetter(ctx context.Context, reader *streamio.GroupReader, dlq *streamio.Appender, entry streamio.Entry, reason string) {
	values := make(map[string]string, len(entry.Values)+1)
	for k, v := range entry.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprint(v)
		}
	}
	values[frame.FieldFailureReason] = reason

	if _, err := dlq.Append(ctx, values); err != nil {
		c.logger.Error("dead-letter append failed",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Warn("entry dead-lettered",
		slog.String("entry_id", entry.ID),
		slog.String("reason", reason),
	)
	if err := reader.Ack(ctx, entry.ID); err != nil {
		c.logger.Warn("ack failed after dead-letter",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
}
