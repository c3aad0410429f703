// Package tracing wraps the OpenTelemetry span helpers used to trace a
// discussion through the pipeline: one span per stage, tagged with the
// discussion and job identifiers.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerScope = "syncbridge.processor"

	SpanStage = "syncbridge.pipeline.stage"

	attrDiscussionID = "syncbridge.discussion_id"
	attrJobID        = "syncbridge.job_id"
	attrTenantID     = "syncbridge.tenant_id"
	attrStage        = "syncbridge.stage"
	attrStatus       = "syncbridge.status"
)

// Ids identifies the discussion/job/tenant a span belongs to. Zero values
// are simply omitted as attributes.
type Ids struct {
	DiscussionID string
	JobID        string
	TenantID     string
}

// StartStage opens a span for a single pipeline stage, tagging it with
// ids and the stage name.
func StartStage(ctx context.Context, stage string, ids Ids) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, 4)
	if ids.DiscussionID != "" {
		attrs = append(attrs, attribute.String(attrDiscussionID, ids.DiscussionID))
	}
	if ids.JobID != "" {
		attrs = append(attrs, attribute.String(attrJobID, ids.JobID))
	}
	if ids.TenantID != "" {
		attrs = append(attrs, attribute.String(attrTenantID, ids.TenantID))
	}
	attrs = append(attrs, attribute.String(attrStage, stage))

	return otel.Tracer(tracerScope).Start(ctx, SpanStage, trace.WithAttributes(attrs...))
}

// End records the stage's outcome on span and closes it. Safe to call
// with a nil span.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(attrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(attrStatus, "success"))
}
