package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// NodeSpanMetadata carries the node-execution context attached to every span
// CreateNodeSpan creates, so a trace backend can
// correlate spans back to the pipeline/node/agent that produced them.
type NodeSpanMetadata struct {
	PipelineID string
	NodeID     string
	Action     string // "code_gen", "validation", "spot_check", ...
	AgentID    string
	Attempt    int
}

// OTELImpl provides zero-configuration OpenTelemetry integration for
// node-action spans and metrics.
type OTELImpl struct {
	TraceProvider *sdktrace.TracerProvider
	MeterProvider metric.MeterProvider
	Tracer        trace.Tracer
	Meter         metric.Meter
	serviceName   string
	agentID       string
	resource      *resource.Resource
}

// NewAutoOTEL creates a new auto-configured OTEL instance. With no
// OTEL_EXPORTER_OTLP_ENDPOINT set, spans are created against a provider with
// no exporter attached — calls succeed but nothing is shipped anywhere,
// matching the teacher's "telemetry is always safe to call" posture.
func NewAutoOTEL(serviceName, agentID string) (AutoOTEL, error) {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return &OTELImpl{
			Tracer: otel.Tracer("noop"),
			Meter:  otel.Meter("noop"),
		}, nil
	}

	if serviceName == "" {
		serviceName = os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = "attractor"
		}
	}

	res, err := createResourceWithAttributes(serviceName, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTEL resource: %w", err)
	}

	traceProvider, err := setupTraceProvider(res)
	if err != nil {
		return nil, fmt.Errorf("failed to setup trace provider: %w", err)
	}

	meterProvider, err := setupMeterProvider(res)
	if err != nil {
		return nil, fmt.Errorf("failed to setup meter provider: %w", err)
	}

	otel.SetTracerProvider(traceProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &OTELImpl{
		TraceProvider: traceProvider,
		MeterProvider: meterProvider,
		Tracer:        traceProvider.Tracer("attractor"),
		Meter:         meterProvider.Meter("attractor"),
		serviceName:   serviceName,
		agentID:       agentID,
		resource:      res,
	}, nil
}

// createResourceWithAttributes creates an OTEL resource with attractor's
// own attribute namespace.
func createResourceWithAttributes(serviceName, agentID string) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(getServiceVersion()),
		semconv.DeploymentEnvironmentKey.String(getEnvironment()),

		attribute.String("attractor.runner.id", agentID),
		attribute.String("attractor.component", serviceName),
	), nil
}

// setupTraceProvider configures the trace provider based on environment.
func setupTraceProvider(res *resource.Resource) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
		), nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	samplerArg := os.Getenv("OTEL_TRACES_SAMPLER_ARG")
	if samplerArg != "" && os.Getenv("OTEL_TRACES_SAMPLER") == "traceidratio" {
		if ratio, err := parseFloat64(samplerArg); err == nil {
			sampler = sdktrace.TraceIDRatioBased(ratio)
		}
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

// setupMeterProvider configures the meter provider.
func setupMeterProvider(res *resource.Resource) (metric.MeterProvider, error) {
	return otel.GetMeterProvider(), nil
}

func getServiceVersion() string {
	if version := os.Getenv("OTEL_SERVICE_VERSION"); version != "" {
		return version
	}
	return "1.0.0"
}

func getEnvironment() string {
	if env := os.Getenv("DEPLOYMENT_ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// CreateNodeSpan starts a span for a single node action (code-gen dispatch,
// validation dispatch, spot check, ...), tagging it with the node's pipeline
// context.
func (a *OTELImpl) CreateNodeSpan(ctx context.Context, meta NodeSpanMetadata) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("node.%s", meta.Action)
	ctx, span := a.Tracer.Start(ctx, spanName)

	span.SetAttributes(
		attribute.String("attractor.pipeline.id", meta.PipelineID),
		attribute.String("attractor.node.id", meta.NodeID),
		attribute.String("attractor.node.action", meta.Action),
		attribute.String("attractor.agent.id", meta.AgentID),
		attribute.Int("attractor.node.attempt", meta.Attempt),
	)

	return ctx, span
}

// RecordNodeMetrics records execution counters/duration for a node action.
func (a *OTELImpl) RecordNodeMetrics(ctx context.Context, meta NodeSpanMetadata, duration time.Duration, err error) {
	if counter, counterErr := a.Meter.Int64Counter(
		"attractor_node_actions_total",
		metric.WithDescription("Total node actions dispatched"),
	); counterErr == nil {
		labels := []attribute.KeyValue{
			attribute.String("action", meta.Action),
			attribute.String("pipeline_id", meta.PipelineID),
		}
		if err != nil {
			labels = append(labels, attribute.String("status", "error"))
		} else {
			labels = append(labels, attribute.String("status", "success"))
		}
		counter.Add(ctx, 1, metric.WithAttributes(labels...))
	}

	if histogram, histErr := a.Meter.Float64Histogram(
		"attractor_node_action_duration_seconds",
		metric.WithDescription("Node action duration"),
	); histErr == nil {
		histogram.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("action", meta.Action),
				attribute.String("pipeline_id", meta.PipelineID),
			))
	}
}

// Shutdown gracefully shuts down the OTEL providers.
func (a *OTELImpl) Shutdown(ctx context.Context) error {
	if a.TraceProvider != nil {
		return a.TraceProvider.Shutdown(ctx)
	}
	return nil
}
