package tracectx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "ingest")
	defer span.End()

	m := Inject(ctx)
	require.Contains(t, m, "traceparent")

	got := trace.SpanContextFromContext(Extract(context.Background(), m))
	require.True(t, got.IsValid())
	assert.True(t, got.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), got.SpanID())
}

func TestInjectWithoutSpan(t *testing.T) {
	m := Inject(context.Background())
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestExtractEmptyMap(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, Extract(ctx, nil))
	assert.Equal(t, ctx, Extract(ctx, map[string]string{}))
}

func TestExtractMixedCaseKeys(t *testing.T) {
	m := map[string]string{
		"TraceParent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}

	got := trace.SpanContextFromContext(Extract(context.Background(), m))
	require.True(t, got.IsValid())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", got.SpanID().String())
}

func TestExtractGarbageIsIgnored(t *testing.T) {
	m := map[string]string{"traceparent": "not-a-traceparent"}

	got := trace.SpanContextFromContext(Extract(context.Background(), m))
	assert.False(t, got.IsValid())
}

func TestBaggageRoundTrip(t *testing.T) {
	member, err := baggage.NewMember("camera_id", "cam-1")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	m := Inject(baggage.ContextWithBaggage(context.Background(), bag))
	require.Contains(t, m, "baggage")

	out := baggage.FromContext(Extract(context.Background(), m))
	assert.Equal(t, "cam-1", out.Member("camera_id").Value())
}
