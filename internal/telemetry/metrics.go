// Package telemetry defines the Prometheus instruments framebus exports.
//
// All instruments hang off an explicit registry so tests and embedders can
// run multiple orchestrators in one process without collisions.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded on frames_dropped_total.
const (
	DropReasonNoMatch   = "no_match"
	DropReasonSaturated = "saturated"
	DropReasonQueueFull = "queue_full"
	DropReasonMalformed = "malformed"
)

// Metrics holds every instrument the orchestrator records.
type Metrics struct {
	registry *prometheus.Registry

	FramesIngested     prometheus.Counter
	FramesRouted       prometheus.Counter
	FramesDropped      *prometheus.CounterVec
	AdmissionSpill     prometheus.Counter
	AdmissionDelay     prometheus.Counter
	RouteTimeouts      prometheus.Counter
	QueueWriteRetries  prometheus.Counter
	FramesDeadLettered prometheus.Counter

	AdmissionPaused prometheus.Gauge
	IngestPELDepth  prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	ProcessorState  *prometheus.GaugeVec

	RouteDuration prometheus.Histogram
}

// New builds a Metrics set on a fresh registry that also exports the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry builds a Metrics set registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "frames_ingested_total",
			Help: "Frames read from the ingest stream.",
		}),
		FramesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "frames_routed_total",
			Help: "Frames written to at least one work queue.",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_dropped_total",
			Help: "Frames discarded without reaching any work queue.",
		}, []string{"reason"}),
		AdmissionSpill: factory.NewCounter(prometheus.CounterOpts{
			Name: "admission_spill_total",
			Help: "Frames admitted past a saturated target under the spill policy.",
		}),
		AdmissionDelay: factory.NewCounter(prometheus.CounterOpts{
			Name: "admission_delay_total",
			Help: "Frames deferred for later re-routing under the delay policy.",
		}),
		RouteTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "route_timeout_total",
			Help: "Routing attempts abandoned at the per-frame deadline.",
		}),
		QueueWriteRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "queue_write_retries_total",
			Help: "Work-queue writes retried after a transient failure.",
		}),
		FramesDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "frames_dead_lettered_total",
			Help: "Entries moved to a dead-letter stream.",
		}),

		AdmissionPaused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "admission_paused",
			Help: "1 while ingest reads are paused by pending-list pressure.",
		}),
		IngestPELDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_pel_depth",
			Help: "Unacknowledged entries held by this orchestrator's group.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Entries waiting in each processor work queue.",
		}, []string{"processor_id"}),
		ProcessorState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "processor_state",
			Help: "Number of registered processors in each lifecycle state.",
		}, []string{"state"}),

		RouteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "route_duration_seconds",
			Help:    "Time from dequeue to final queue write for one frame.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// Registry returns the backing registry for exposition and test scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
