package postgres

import (
	"context"
	"fmt"
	"testing"

	"carebridge/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestTraced_RecordsStatementSpans(t *testing.T) {
	recorder := withRecorder(t)
	ctx := context.Background()

	require.NoError(t, traced(ctx, "select", "cart_lines", func(context.Context) error { return nil }))
	assert.ErrorIs(t, traced(ctx, "update", "visits", func(context.Context) error { return domain.ErrVisitEnded }), domain.ErrVisitEnded)
	failure := fmt.Errorf("failed to update shipping speed: %w", context.DeadlineExceeded)
	assert.ErrorIs(t, traced(ctx, "update", "cart_lines", func(context.Context) error { return failure }), context.DeadlineExceeded)

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "db.select", spans[0].Name())
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "cart_lines", attrs["db.table"].AsString())
	assert.Equal(t, "select", attrs["operation"].AsString())
	assert.Contains(t, attrs, attribute.Key("duration"))
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	assert.Equal(t, codes.Ok, spans[1].Status().Code, "a visit that already ended is not a database failure")
	assert.Equal(t, codes.Error, spans[2].Status().Code)
	assert.Len(t, spans[2].Events(), 1)
}

func TestTraced_SpanIsParentOfStatementContext(t *testing.T) {
	recorder := withRecorder(t)

	var inner context.Context
	require.NoError(t, traced(context.Background(), "insert", "visits", func(ctx context.Context) error {
		inner = ctx
		return nil
	}))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, spans[0].SpanContext().SpanID(), trace.SpanContextFromContext(inner).SpanID())
}
