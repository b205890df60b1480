// Package telemetry provides OpenTelemetry span and metric helpers for node
// actions. No other package in this module imports it; the Runner's own
// per-cycle span goes through core.Telemetry instead.
//
// # AutoOTEL
//
// NewAutoOTEL configures a trace provider and uses the global meter provider
// as it finds it (no metric exporter is set up). With no
// OTEL_EXPORTER_OTLP_ENDPOINT set, spans are still created (so call sites
// never need to branch on telemetry being configured) but nothing is
// exported.
//
//	otel, err := telemetry.NewAutoOTEL("attractor-runner", runnerID)
//	ctx, span := otel.CreateNodeSpan(ctx, telemetry.NodeSpanMetadata{
//	    PipelineID: plan.PipelineID,
//	    NodeID:     node.ID,
//	    Action:     "code_gen",
//	    AgentID:    agentID,
//	})
//	defer span.End()
//
// # Configuration
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP gRPC endpoint (e.g. localhost:4317)
//   - OTEL_SERVICE_NAME: service name attached to the resource
//   - OTEL_SDK_DISABLED: set to "true" to force a no-op tracer/meter
package telemetry
