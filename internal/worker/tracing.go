package worker

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/datalens/internal/state"
)

func startActSpan(ctx context.Context, node state.Node) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "worker."+string(node))
	span.SetAttributes(attribute.String("worker.node", string(node)))
	return ctx, span
}

func endActSpan(span trace.Span, messages int, err error) {
	span.SetAttributes(attribute.Int("worker.messages", messages))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func startToolSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "tool."+name)
	span.SetAttributes(attribute.String("tool.name", name))
	return ctx, span
}

func endToolSpan(span trace.Span, output string, err error) {
	tracer := telemetry.GetTracer()
	if tracer.Debug() && output != "" {
		if len(output) > 2000 {
			output = output[:2000]
		}
		span.SetAttributes(attribute.String("tool.output", output))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
