package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jmylchreest/framebus/internal/backpressure"
	"github.com/jmylchreest/framebus/internal/config"
	"github.com/jmylchreest/framebus/internal/registry"
	"github.com/jmylchreest/framebus/internal/telemetry"
	"github.com/jmylchreest/framebus/internal/workqueue"
	"github.com/jmylchreest/framebus/pkg/frame"
)

type routerFixture struct {
	router   *Router
	registry *registry.Registry
	queues   *workqueue.Manager
	client   *redis.Client
	metrics  *telemetry.Metrics
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.New()

	reg := registry.New(logger, metrics, config.RegistryConfig{
		UnhealthyAfter:     30 * time.Second,
		EvictAfter:         5 * time.Minute,
		SweepInterval:      5 * time.Second,
		FailureThreshold:   5,
		HardOverflowFactor: 2.0,
		MaxProcessors:      1024,
	})
	queues := workqueue.NewManager(client, logger, metrics, 1000)
	bp := backpressure.New(logger, metrics, config.BackpressureConfig{
		SampleInterval: time.Second,
		SpillPriority:  7,
	}, 80_000)

	rt := New(logger, metrics, reg, queues, bp, config.RouterConfig{
		WriteRetries:       3,
		WriteBackoff:       time.Millisecond,
		RouteTimeout:       2 * time.Second,
		SoftOverflowFactor: 1.0,
		EmptyPredicate:     config.EmptyPredicateBroadcast,
	})

	return &routerFixture{router: rt, registry: reg, queues: queues, client: client, metrics: metrics}
}

// activate registers a processor, activates it with a heartbeat, and ensures
// its queue exists.
func (fx *routerFixture) activate(t *testing.T, id string, caps []string, capacity int, inflight int64) {
	t.Helper()
	_, err := fx.registry.Register(registry.Descriptor{ID: id, Capabilities: caps, Capacity: capacity})
	require.NoError(t, err)
	_, err = fx.registry.Heartbeat(id, registry.Heartbeat{Inflight: &inflight})
	require.NoError(t, err)
	_, err = fx.queues.EnsureQueue(context.Background(), id, 0)
	require.NoError(t, err)
}

func (fx *routerFixture) queueLen(t *testing.T, id string) int64 {
	t.Helper()
	n, err := fx.client.XLen(context.Background(), frame.WorkQueueName(id)).Result()
	require.NoError(t, err)
	return n
}

func testFrame(id string, metadata map[string]any) frame.Frame {
	return frame.Frame{
		FrameID:   id,
		CameraID:  "cam-1",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Metadata:  metadata,
	}
}

func TestRouteBroadcast(t *testing.T) {
	fx := newFixture(t)
	fx.activate(t, "p1", []string{"face"}, 4, 0)
	fx.activate(t, "p2", []string{"object"}, 4, 0)
	fx.activate(t, "p3", []string{"face", "object"}, 4, 0)

	outcome, err := fx.router.Route(context.Background(), testFrame("t1_c1_1", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRouted, outcome)

	assert.Equal(t, int64(1), fx.queueLen(t, "p1"))
	assert.Equal(t, int64(1), fx.queueLen(t, "p2"))
	assert.Equal(t, int64(1), fx.queueLen(t, "p3"))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.FramesRouted))
}

func TestRouteCapabilityMatch(t *testing.T) {
	fx := newFixture(t)
	fx.activate(t, "p1", []string{"face"}, 4, 0)
	fx.activate(t, "p2", []string{"object"}, 4, 0)
	fx.activate(t, "p3", []string{"face", "object"}, 4, 0)

	outcome, err := fx.router.Route(context.Background(), testFrame("t2_c1_2", map[string]any{
		"detection_hint": "face",
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRouted, outcome)

	assert.Equal(t, int64(1), fx.queueLen(t, "p1"))
	assert.Equal(t, int64(0), fx.queueLen(t, "p2"))
	assert.Equal(t, int64(1), fx.queueLen(t, "p3"))
}

func TestRouteSaturationSpillHighPriority(t *testing.T) {
	fx := newFixture(t)
	fx.activate(t, "p1", []string{"face"}, 4, 4) // at capacity, soft-saturated

	outcome, err := fx.router.Route(context.Background(), testFrame("t3_c1_3", map[string]any{
		"detection_hint": "face",
		"priority":       8,
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRouted, outcome)

	assert.Equal(t, int64(1), fx.queueLen(t, "p1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.AdmissionSpill))
}

func TestRouteSaturationDelayLowPriority(t *testing.T) {
	fx := newFixture(t)
	fx.activate(t, "p1", []string{"face"}, 4, 4)

	f := testFrame("t4_c1_4", map[string]any{
		"detection_hint": "face",
		"priority":       3,
	})

	outcome, err := fx.router.Route(context.Background(), f)
	assert.ErrorIs(t, err, ErrNotAdmitted)
	assert.Equal(t, OutcomeNotAdmitted, outcome)
	assert.Equal(t, int64(0), fx.queueLen(t, "p1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.AdmissionDelay))

	// Inflight drains below the soft threshold; the retry succeeds.
	inflight := int64(1)
	_, err = fx.registry.Heartbeat("p1", registry.Heartbeat{Inflight: &inflight})
	require.NoError(t, err)

	outcome, err = fx.router.Route(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRouted, outcome)
	assert.Equal(t, int64(1), fx.queueLen(t, "p1"))
}

func TestRouteNoMatchDrops(t *testing.T) {
	fx := newFixture(t)
	fx.activate(t, "p1", []string{"face"}, 4, 0)

	outcome, err := fx.router.Route(context.Background(), testFrame("t5_c1_5", map[string]any{
		"detection_hint": "ocr",
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)
	assert.Equal(t, int64(0), fx.queueLen(t, "p1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.FramesDropped.WithLabelValues(telemetry.DropReasonNoMatch)))
}

func TestRouteBroadcastWithoutProcessorsDelays(t *testing.T) {
	fx := newFixture(t)

	outcome, err := fx.router.Route(context.Background(), testFrame("t6_c1_6", nil))
	assert.ErrorIs(t, err, ErrNotAdmitted)
	assert.Equal(t, OutcomeNotAdmitted, outcome)
}

func TestRouteEmptyPredicateDropPolicy(t *testing.T) {
	fx := newFixture(t)
	fx.router.emptyPredicate = config.EmptyPredicateDrop
	fx.activate(t, "p1", []string{"face"}, 4, 0)

	outcome, err := fx.router.Route(context.Background(), testFrame("t7_c1_7", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)
	assert.Equal(t, int64(0), fx.queueLen(t, "p1"))
}

func TestRouteHardCapRefusesDispatch(t *testing.T) {
	fx := newFixture(t)
	// inflight at capacity * hard_overflow_factor: even spill cannot place.
	fx.activate(t, "p1", []string{"face"}, 4, 8)

	outcome, err := fx.router.Route(context.Background(), testFrame("t8_c1_8", map[string]any{
		"detection_hint": "face",
		"priority":       9,
	}))
	assert.ErrorIs(t, err, ErrNotAdmitted)
	assert.Equal(t, OutcomeNotAdmitted, outcome)
	assert.Equal(t, int64(0), fx.queueLen(t, "p1"))
}

func TestRouteInjectsChildTraceContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	fx := newFixture(t)
	fx.activate(t, "p1", []string{"face"}, 4, 0)

	f := testFrame("t9_c1_9", map[string]any{"detection_hint": "face"})
	f.TraceContext = map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}

	outcome, err := fx.router.Route(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, OutcomeRouted, outcome)

	// The queued copy carries a fresh traceparent on the ingest trace.
	msgs, err := fx.client.XRange(context.Background(), frame.WorkQueueName("p1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var tc map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values[frame.FieldTraceContext].(string)), &tc))
	assert.Contains(t, tc["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")
	assert.NotEqual(t, f.TraceContext["traceparent"], tc["traceparent"])

	// Route and dispatch spans share the ingest trace id.
	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	for _, span := range spans {
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
	}

	// The dispatch carried a unique dispatch id.
	assert.NotEmpty(t, msgs[0].Values[frame.FieldDispatchID])
}
