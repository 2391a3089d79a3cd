package messaging

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestMessageCarrier(t *testing.T) {
	msg := &kafka.Message{Headers: []kafka.Header{{Key: "event-type", Value: []byte("a")}}}
	c := NewMessageCarrier(msg)

	c.Set("event-type", "b")
	c.Set("traceparent", "00-x")

	if got := c.Get("event-type"); got != "b" {
		t.Errorf("expected overwritten header, got %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("expected empty value, got %q", got)
	}
	if len(msg.Headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(msg.Headers))
	}
	keys := c.Keys()
	if keys[0] != "event-type" || keys[1] != "traceparent" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestMessageCarrier_PropagatesTraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var msg kafka.Message
	prop := propagation.TraceContext{}
	prop.Inject(ctx, NewMessageCarrier(&msg))

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), NewMessageCarrier(&msg)))
	if extracted.TraceID() != traceID {
		t.Errorf("expected trace id %s, got %s", traceID, extracted.TraceID())
	}
	if extracted.SpanID() != spanID {
		t.Errorf("expected span id %s, got %s", spanID, extracted.SpanID())
	}
}
