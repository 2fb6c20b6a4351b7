package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/hive/internal/manager"
)

// Span attribute keys for command processing.
const (
	AttrCommandID     = "command.id"
	AttrCommandType   = "command.type"
	AttrCommandSource = "command.source"
)

// spanPrefixCommand prefixes command-processing span names.
const spanPrefixCommand = "command.process."

// NewMiddleware returns processor middleware that opens a span around
// every command. Commands carry the submitter's span context across the
// queue hop, so handler spans parent correctly even though they run on
// the processor goroutine. A nil tracer yields a pass-through.
func NewMiddleware(tracer trace.Tracer) manager.Middleware {
	if tracer == nil {
		return func(next manager.Handler) manager.Handler {
			return next
		}
	}

	return func(next manager.Handler) manager.Handler {
		return manager.HandlerFunc(func(ctx context.Context, cmd manager.Command) (*manager.Result, error) {
			ctx = restoreSpanContext(ctx, cmd)

			ctx, span := tracer.Start(ctx, spanPrefixCommand+cmd.Type().String(),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String(AttrCommandID, cmd.ID()),
				attribute.String(AttrCommandType, cmd.Type().String()),
			)
			if src, ok := cmd.(interface{ Source() manager.Source }); ok {
				span.SetAttributes(attribute.String(AttrCommandSource, string(src.Source())))
			}

			result, err := next.Handle(ctx, cmd)

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case result != nil && !result.Success:
				if result.Error != nil {
					span.RecordError(result.Error)
					span.SetStatus(codes.Error, result.Error.Error())
				} else {
					span.SetStatus(codes.Error, "command failed without error details")
				}
			default:
				span.SetStatus(codes.Ok, "")
			}

			return result, err
		})
	}
}

// restoreSpanContext rebuilds the submitter's span context from the
// command so the processing span becomes its child.
func restoreSpanContext(ctx context.Context, cmd manager.Command) context.Context {
	carrier, ok := cmd.(interface{ SpanContext() trace.SpanContext })
	if !ok {
		return ctx
	}
	sc := carrier.SpanContext()
	if !sc.IsValid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
