// Package tracectx moves W3C trace context through stream entries.
//
// Frames carry their trace context as a plain string map (traceparent,
// tracestate, baggage). This package is the single place that converts
// between that map and a context.Context, so every hop of the pipeline
// stays on one trace: producer -> ingest -> route -> process -> result.
package tracectx

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/propagation"
)

// propagator handles both span context and baggage. Header keys written by
// the W3C propagators are already lower-case.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Inject returns a fresh map holding ctx's trace context with lower-case
// keys. The map is empty (non-nil) when ctx carries no span or baggage.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	return carrier
}

// Extract returns a context carrying the span context and baggage found in
// m. Keys are matched case-insensitively since producers in other languages
// do not always write lower-case header names. A nil or empty map returns
// ctx unchanged.
func Extract(ctx context.Context, m map[string]string) context.Context {
	if len(m) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	for k, v := range m {
		carrier[strings.ToLower(k)] = v
	}
	return propagator.Extract(ctx, carrier)
}
