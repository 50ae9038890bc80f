package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndScrape(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.FramesIngested.Add(3)
	m.FramesDropped.WithLabelValues(DropReasonNoMatch).Inc()
	m.FramesDropped.WithLabelValues(DropReasonQueueFull).Add(2)
	m.AdmissionPaused.Set(1)
	m.QueueDepth.WithLabelValues("proc-1").Set(17)
	m.ProcessorState.WithLabelValues("active").Set(2)
	m.RouteDuration.Observe(0.004)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.FramesIngested))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesDropped.WithLabelValues(DropReasonNoMatch)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.FramesDropped.WithLabelValues(DropReasonQueueFull)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AdmissionPaused))
	assert.Equal(t, float64(17), testutil.ToFloat64(m.QueueDepth.WithLabelValues("proc-1")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ProcessorState.WithLabelValues("active")))
}

func TestMetricsHandlerExposition(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.FramesRouted.Inc()
	m.RouteTimeouts.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "frames_routed_total 1")
	assert.Contains(t, body, "route_timeout_total 1")
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	a := NewWithRegistry(prometheus.NewRegistry())
	b := NewWithRegistry(prometheus.NewRegistry())

	a.FramesIngested.Add(5)

	assert.Equal(t, float64(5), testutil.ToFloat64(a.FramesIngested))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.FramesIngested))
}
