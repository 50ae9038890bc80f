// Package backpressure centralises admission policy. The router asks it
// what to do when every candidate is saturated, and the ingest consumer
// asks it whether reads should pause while the pending list is deep.
package backpressure

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/framebus/internal/config"
	"github.com/jmylchreest/framebus/internal/telemetry"
	"github.com/jmylchreest/framebus/internal/workqueue"
)

// Verdict is the admission decision for a frame whose candidates are all
// saturated.
type Verdict string

const (
	// VerdictSpill admits the frame to the least-loaded saturated target.
	VerdictSpill Verdict = "spill"
	// VerdictDelay defers the frame; the ingest entry stays unacked and is
	// re-routed later.
	VerdictDelay Verdict = "delay"
)

// DepthProber supplies queue depth samples. Satisfied by the work-queue
// manager.
type DepthProber interface {
	Stats(ctx context.Context) ([]workqueue.QueueStats, error)
}

// PELProber supplies the ingest pending-list depth. Satisfied by the ingest
// consumer's group reader.
type PELProber interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Controller holds the admission state the router and ingest consumer
// consult on every frame. Decisions read atomics only; the sampler goroutine
// refreshes them in the background.
type Controller struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics

	spillPriority  int
	pauseThreshold int64
	sampleInterval time.Duration

	paused         atomic.Bool
	pelDepth       atomic.Int64
	aggregateDepth atomic.Int64
}

// New builds a Controller. pauseThreshold is the ingest PEL depth at which
// reads pause, typically pel_max * pel_pause_pct / 100.
func New(logger *slog.Logger, metrics *telemetry.Metrics, cfg config.BackpressureConfig, pauseThreshold int64) *Controller {
	return &Controller{
		logger:         logger,
		metrics:        metrics,
		spillPriority:  cfg.SpillPriority,
		pauseThreshold: pauseThreshold,
		sampleInterval: cfg.SampleInterval,
	}
}

// Saturation decides what to do with a frame whose every candidate is at or
// past the soft overflow threshold. High-priority frames spill onto the
// least-loaded target; the rest wait.
func (c *Controller) Saturation(priority int) Verdict {
	if priority >= c.spillPriority {
		c.metrics.AdmissionSpill.Inc()
		return VerdictSpill
	}
	c.metrics.AdmissionDelay.Inc()
	return VerdictDelay
}

// ObservePEL records a fresh ingest pending-list depth and flips the pause
// latch when the depth crosses the threshold. The ingest consumer calls this
// once per read loop.
func (c *Controller) ObservePEL(depth int64) {
	c.pelDepth.Store(depth)
	c.metrics.IngestPELDepth.Set(float64(depth))

	paused := depth >= c.pauseThreshold
	if c.paused.CompareAndSwap(!paused, paused) {
		if paused {
			c.metrics.AdmissionPaused.Set(1)
			c.logger.Warn("ingest reads paused, pending list too deep",
				slog.Int64("depth", depth),
				slog.Int64("threshold", c.pauseThreshold),
			)
		} else {
			c.metrics.AdmissionPaused.Set(0)
			c.logger.Info("ingest reads resumed",
				slog.Int64("depth", depth),
			)
		}
	}
}

// Paused reports whether ingest reads should stay paused.
func (c *Controller) Paused() bool {
	return c.paused.Load()
}

// PELDepth returns the last observed ingest pending-list depth.
func (c *Controller) PELDepth() int64 {
	return c.pelDepth.Load()
}

// AggregateDepth returns the summed depth of all work queues as of the last
// sampler pass.
func (c *Controller) AggregateDepth() int64 {
	return c.aggregateDepth.Load()
}

// RunSampler periodically probes queue depths and the ingest pending list,
// publishing them as gauges, until ctx is cancelled. Probe failures are
// logged and the previous sample stays in effect.
func (c *Controller) RunSampler(ctx context.Context, queues DepthProber, pel PELProber) {
	ticker := time.NewTicker(c.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample(ctx, queues, pel)
		}
	}
}

func (c *Controller) sample(ctx context.Context, queues DepthProber, pel PELProber) {
	if stats, err := queues.Stats(ctx); err != nil {
		c.logger.Debug("queue depth probe failed", slog.String("error", err.Error()))
	} else {
		var total int64
		for _, s := range stats {
			total += s.Depth
			c.metrics.QueueDepth.WithLabelValues(s.ProcessorID).Set(float64(s.Depth))
		}
		c.aggregateDepth.Store(total)
	}

	if pel == nil {
		return
	}
	if depth, err := pel.PendingCount(ctx); err != nil {
		c.logger.Debug("ingest pending probe failed", slog.String("error", err.Error()))
	} else {
		c.ObservePEL(depth)
	}
}
