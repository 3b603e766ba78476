package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestKafkaHeaderRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := InjectKafkaHeaders(ctx, []kafka.Header{{Key: "event_type", Value: []byte("TicketIssued")}})
	assert.Len(t, headers, 2)

	got := trace.SpanContextFromContext(ExtractKafkaHeaders(context.Background(), headers))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	headers := []kafka.Header{{Key: TraceparentHeader, Value: []byte("old")}}
	c := HeaderCarrier{Headers: &headers}

	c.Set(TraceparentHeader, "new")
	c.Set("tracestate", "a=1")

	assert.Len(t, headers, 2)
	assert.Equal(t, "new", c.Get(TraceparentHeader))
	assert.ElementsMatch(t, []string{TraceparentHeader, "tracestate"}, c.Keys())
}
