package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AutoOTEL is the node-action span and metric seam this package provides;
// no other package in this module uses it.
type AutoOTEL interface {
	CreateNodeSpan(ctx context.Context, meta NodeSpanMetadata) (context.Context, trace.Span)
	RecordNodeMetrics(ctx context.Context, meta NodeSpanMetadata, duration time.Duration, err error)
	Shutdown(ctx context.Context) error
}
