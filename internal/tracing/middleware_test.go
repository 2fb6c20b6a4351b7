package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/hive/internal/manager"
)

type testCommand struct {
	manager.BaseCommand
}

func newTestCommand() *testCommand {
	return &testCommand{BaseCommand: manager.NewBaseCommand("test_command", manager.SourceInternal)}
}

func successHandler() manager.Handler {
	return manager.HandlerFunc(func(ctx context.Context, cmd manager.Command) (*manager.Result, error) {
		return &manager.Result{Success: true}, nil
	})
}

// setupTestTracer creates a tracer backed by an in-memory exporter.
func setupTestTracer(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return provider.Tracer("test-tracer"), exporter
}

func attrValue(span tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddlewareRecordsCommandSpan(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	handler := NewMiddleware(tracer)(successHandler())

	cmd := newTestCommand()
	result, err := handler.Handle(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, result.Success)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "command.process.test_command", span.Name)
	assert.Equal(t, codes.Ok, span.Status.Code)

	id, ok := attrValue(span, AttrCommandID)
	require.True(t, ok)
	assert.Equal(t, cmd.ID(), id.AsString())

	src, ok := attrValue(span, AttrCommandSource)
	require.True(t, ok)
	assert.Equal(t, string(manager.SourceInternal), src.AsString())
}

func TestMiddlewareRecordsHandlerError(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	boom := errors.New("handler exploded")
	handler := NewMiddleware(tracer)(manager.HandlerFunc(
		func(ctx context.Context, cmd manager.Command) (*manager.Result, error) {
			return nil, boom
		}))

	_, err := handler.Handle(context.Background(), newTestCommand())
	require.ErrorIs(t, err, boom)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "handler exploded", spans[0].Status.Description)
}

func TestMiddlewareRecordsFailedResult(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	handler := NewMiddleware(tracer)(manager.HandlerFunc(
		func(ctx context.Context, cmd manager.Command) (*manager.Result, error) {
			return &manager.Result{Success: false, Error: errors.New("refused")}, nil
		}))

	result, err := handler.Handle(context.Background(), newTestCommand())
	require.NoError(t, err)
	require.False(t, result.Success)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "refused", spans[0].Status.Description)
}

func TestMiddlewareParentsSpanFromCommand(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	_, parent := tracer.Start(context.Background(), "submit")
	cmd := newTestCommand()
	cmd.SetSpanContext(parent.SpanContext())
	parent.End()

	handler := NewMiddleware(tracer)(successHandler())
	_, err := handler.Handle(context.Background(), cmd)
	require.NoError(t, err)

	var child tracetest.SpanStub
	for _, span := range exporter.GetSpans() {
		if span.Name == "command.process.test_command" {
			child = span
		}
	}
	require.NotEmpty(t, child.Name, "command span not exported")
	assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext.TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), child.Parent.SpanID())
}

func TestMiddlewareNilTracerPassesThrough(t *testing.T) {
	handler := NewMiddleware(nil)(successHandler())
	result, err := handler.Handle(context.Background(), newTestCommand())
	require.NoError(t, err)
	assert.True(t, result.Success)
}
