// Tracing instrumentation for the executor.
package graph

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/datalens/internal/state"
)

// startRunSpan starts a span for one Run call.
func (e *Executor) startRunSpan(ctx context.Context, sessionID string, resume bool) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "run")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("run.mode", string(e.mode)),
		attribute.Bool("run.resume", resume),
	)
	return ctx, span
}

// endRunSpan ends the run span with its outcome.
func (e *Executor) endRunSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("run.status", status))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startNodeSpan starts a span for a node execution.
func (e *Executor) startNodeSpan(ctx context.Context, node state.Node) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "node."+string(node))
	span.SetAttributes(attribute.String("node.name", string(node)))
	return ctx, span
}

// endNodeSpan ends the node span.
func (e *Executor) endNodeSpan(span trace.Span, route state.Route, messages int, err error) {
	if route != "" {
		span.SetAttributes(attribute.String("node.route", string(route)))
	}
	span.SetAttributes(attribute.Int("node.messages", messages))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
