// Package router selects target processors for each frame and fans the
// frame out to their work queues.
//
// Per-camera ordering is soft: with more than one routing worker, or when a
// delayed frame is re-routed after a younger sibling, frames from the same
// camera can reach a queue out of capture order. Processors must not assume
// strict ordering; each individual work queue still delivers in append
// order.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmylchreest/framebus/internal/backpressure"
	"github.com/jmylchreest/framebus/internal/config"
	"github.com/jmylchreest/framebus/internal/observability"
	"github.com/jmylchreest/framebus/internal/registry"
	"github.com/jmylchreest/framebus/internal/telemetry"
	"github.com/jmylchreest/framebus/internal/workqueue"
	"github.com/jmylchreest/framebus/pkg/frame"
	"github.com/jmylchreest/framebus/pkg/streamio"
	"github.com/jmylchreest/framebus/pkg/tracectx"
)

// Outcome is the result of routing one frame. It tells the ingest consumer
// whether to ack the entry, retry it later, or ack it as discarded.
type Outcome int

const (
	// OutcomeRouted means every selected queue accepted the frame; ack.
	OutcomeRouted Outcome = iota
	// OutcomeDropped means the frame was deliberately discarded; ack.
	OutcomeDropped
	// OutcomeNotAdmitted means the frame could not be placed; do not ack,
	// retry after a delay.
	OutcomeNotAdmitted
)

// ErrNotAdmitted reports a frame that could not be placed on any queue.
var ErrNotAdmitted = errors.New("router: frame not admitted")

// Router fans admitted frames out to the work queues of every matching
// processor.
type Router struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	registry *registry.Registry
	queues   *workqueue.Manager
	bp       *backpressure.Controller

	writeRetries   int
	writeBackoff   time.Duration
	routeTimeout   time.Duration
	softOverflow   float64
	emptyPredicate string
}

// New builds a Router.
func New(logger *slog.Logger, metrics *telemetry.Metrics, reg *registry.Registry, queues *workqueue.Manager, bp *backpressure.Controller, cfg config.RouterConfig) *Router {
	return &Router{
		logger:         logger,
		metrics:        metrics,
		tracer:         otel.Tracer("framebus/router"),
		registry:       reg,
		queues:         queues,
		bp:             bp,
		writeRetries:   cfg.WriteRetries,
		writeBackoff:   cfg.WriteBackoff,
		routeTimeout:   cfg.RouteTimeout,
		softOverflow:   cfg.SoftOverflowFactor,
		emptyPredicate: cfg.EmptyPredicate,
	}
}

// Route places one frame. The routing span is parented on the frame's
// ingest trace context, and every queued copy carries a fresh child context
// so the trace survives the hop into each processor.
func (r *Router) Route(ctx context.Context, f frame.Frame) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.routeTimeout)
	defer cancel()

	ctx = tracectx.Extract(ctx, f.TraceContext)
	ctx, span := r.tracer.Start(ctx, "frame.route", trace.WithAttributes(
		attribute.String("frame.id", f.FrameID),
		attribute.String("frame.camera_id", f.CameraID),
	))
	defer span.End()

	start := time.Now()
	outcome, err := r.route(ctx, f)

	switch outcome {
	case OutcomeRouted:
		r.metrics.FramesRouted.Inc()
		r.metrics.RouteDuration.Observe(time.Since(start).Seconds())
	case OutcomeNotAdmitted:
		if ctx.Err() != nil {
			r.metrics.RouteTimeouts.Inc()
			span.SetStatus(codes.Error, "route timeout")
		}
	}
	if err != nil {
		span.RecordError(err)
	}
	return outcome, err
}

func (r *Router) route(ctx context.Context, f frame.Frame) (Outcome, error) {
	predicate := f.DetectionHints()

	if len(predicate) == 0 && r.emptyPredicate == config.EmptyPredicateDrop {
		r.drop(f, telemetry.DropReasonNoMatch, "empty predicate")
		return OutcomeDropped, nil
	}

	candidates := r.registry.Match(predicate)
	if len(candidates) == 0 {
		if len(predicate) > 0 {
			r.drop(f, telemetry.DropReasonNoMatch, "no capability match")
			return OutcomeDropped, nil
		}
		// Broadcast with no Active processor: the frame is still wanted,
		// hold it in the pending list until a processor shows up.
		return OutcomeNotAdmitted, fmt.Errorf("%w: no active processors", ErrNotAdmitted)
	}

	targets := make([]*registry.Processor, 0, len(candidates))
	spares := make([]*registry.Processor, 0)
	for _, c := range candidates {
		if c.Saturated(r.softOverflow) {
			spares = append(spares, c)
			continue
		}
		targets = append(targets, c)
	}

	if len(targets) == 0 {
		switch r.bp.Saturation(f.Priority()) {
		case backpressure.VerdictSpill:
			// Candidates are sorted least-loaded first; spill onto one.
			targets = candidates[:1]
			spares = nil
			r.logger.Log(ctx, observability.LevelTrace, "saturation spill",
				slog.String("frame_id", f.FrameID),
				slog.String("processor_id", targets[0].ID),
			)
		default:
			return OutcomeNotAdmitted, fmt.Errorf("%w: all candidates saturated", ErrNotAdmitted)
		}
	}

	written := 0
	failed := 0
	for i := 0; i < len(targets); i++ {
		target := targets[i]

		acquired := r.registry.TryDispatch(target.ID)
		var err error
		if acquired {
			err = r.dispatch(ctx, target, f)
		}
		if acquired && err == nil {
			r.registry.WriteSucceeded(target.ID)
			written++
			continue
		}
		if acquired {
			r.registry.ReleaseSlot(target.ID)
			if ctx.Err() != nil {
				return OutcomeNotAdmitted, fmt.Errorf("%w: %v", ErrNotAdmitted, ctx.Err())
			}
			if markErr := r.registry.MarkUnhealthy(target.ID, "queue write failures"); markErr != nil {
				r.logger.Debug("mark unhealthy failed",
					slog.String("processor_id", target.ID),
					slog.String("error", markErr.Error()))
			}
			r.logger.Warn("queue write failed, target marked unhealthy",
				slog.String("frame_id", f.FrameID),
				slog.String("processor_id", target.ID),
				slog.String("error", err.Error()),
			)
		}
		// The slot was lost (hard cap, state change) or the write failed
		// permanently. Re-select: put the least-loaded untargeted spare in
		// its place.
		if spare := takeSpare(&spares, targets); spare != nil {
			targets = append(targets, spare)
		} else {
			failed++
		}
	}

	// Every selected queue must accept the write before the ingest entry may
	// be acked. A partial fan-out is retried whole; duplicates into queues
	// that already accepted are fine under at-least-once.
	if failed > 0 || written == 0 {
		return OutcomeNotAdmitted, fmt.Errorf("%w: %d of %d queue writes succeeded", ErrNotAdmitted, written, written+failed)
	}
	return OutcomeRouted, nil
}

// dispatch writes one copy of the frame to a single processor queue,
// retrying transient failures. Each copy gets its own dispatch id and a
// trace context parented on the routing span.
func (r *Router) dispatch(ctx context.Context, target *registry.Processor, f frame.Frame) error {
	dispatchCtx, span := r.tracer.Start(ctx, "frame.dispatch", trace.WithAttributes(
		attribute.String("frame.id", f.FrameID),
		attribute.String("processor.id", target.ID),
	))
	defer span.End()

	copied := f.Clone()
	copied.TraceContext = tracectx.Inject(dispatchCtx)

	d := frame.Dispatch{Frame: copied, DispatchID: ulid.Make().String()}
	fields, err := d.Fields()
	if err != nil {
		return err
	}
	values := stringValues(fields)

	var lastErr error
	for attempt := 0; attempt <= r.writeRetries; attempt++ {
		if attempt > 0 {
			r.metrics.QueueWriteRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(streamio.RetryDelay(attempt-1, r.writeBackoff, 5*time.Second)):
			}
		}
		if _, lastErr = r.queues.Append(ctx, target.ID, values); lastErr == nil {
			span.SetAttributes(attribute.Int("dispatch.attempts", attempt+1))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	span.SetStatus(codes.Error, "queue write failed")
	return lastErr
}

func (r *Router) drop(f frame.Frame, reason, detail string) {
	r.metrics.FramesDropped.WithLabelValues(reason).Inc()
	r.logger.Debug("frame dropped",
		slog.String("frame_id", f.FrameID),
		slog.String("reason", reason),
		slog.String("detail", detail),
	)
}

// stringValues flattens codec output for a stream write. Frame codec values
// are strings already; anything else is formatted.
func stringValues(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// takeSpare pops the least-loaded spare not already targeted.
func takeSpare(spares *[]*registry.Processor, targets []*registry.Processor) *registry.Processor {
	for i, spare := range *spares {
		already := false
		for _, t := range targets {
			if t.ID == spare.ID {
				already = true
				break
			}
		}
		if !already {
			*spares = append((*spares)[:i], (*spares)[i+1:]...)
			return spare
		}
	}
	return nil
}
