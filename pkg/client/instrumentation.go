package client

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/observability"
)

func startCallSpan(ctx context.Context, name string, c *Client, operation string) (context.Context, trace.Span) {
	tracer := observability.GetTracer("manifold.client")
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String(observability.AttrProvider, c.provider),
			attribute.String(observability.AttrModel, c.modelID),
			attribute.String(observability.AttrOperation, operation),
		),
	)
}

// endCallSpan closes a call span. For streams the span covers candidate
// selection through stream handover; delivery after the first event is
// tracked by metrics, not the span.
func endCallSpan(span trace.Span, stats *CallStats, err error) {
	if stats != nil {
		span.SetAttributes(attribute.Int(observability.AttrAttempts, stats.Attempts))
	}
	if err != nil {
		span.SetAttributes(attribute.String(observability.AttrErrorCode, string(errcode.AsError(err).Code)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
