package hitl

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/BaSui01/insightflow/hitl"

// startSpan 开启一个干预操作的 trace span。
// 未安装 TracerProvider 时退化为 no-op。
func startSpan(ctx context.Context, name, workflowID string) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if workflowID != "" {
		opts = append(opts, trace.WithAttributes(
			attribute.String("hitl.workflow_id", workflowID),
		))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}
