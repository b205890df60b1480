package core

import (
	"context"
	"time"
)

// Telemetry is the optional instrumentation seam the Runner accepts via
// functional option (runner.WithTelemetry, one span per cycle); the Guardian
// and Channel Bridge take no Telemetry. A nil Telemetry is never passed around; callers default
// to NoOpTelemetry so call sites never special-case its absence.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// AIClient is the pluggable external summariser the Completion Judge (C10)
// delegates to. Kept minimal and provider-agnostic: the judge never depends
// on a specific vendor SDK.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

// AIOptions configures a single AIClient call.
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// AIResponse is the result of an AIClient call.
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage reports token accounting for an AIResponse.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NoOpTelemetry is the default Telemetry implementation; every span and
// metric call is a no-op so components built without an OTEL-backed
// Telemetry never branch on its absence.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noOpSpan{}
}

func (NoOpTelemetry) RecordMetric(string, float64, map[string]string) {}

type noOpSpan struct{}

func (noOpSpan) End()                             {}
func (noOpSpan) SetAttribute(string, interface{}) {}
func (noOpSpan) RecordError(error)                {}

// MetricsRegistry lets the telemetry package register itself with core
// without creating an import cycle: internal packages emit metrics through
// the global registry, which is nil (and therefore skipped) until something
// calls SetMetricsRegistry; no package in this module does so. Mirrors the teacher's weak-coupling
// pattern for metrics emission from framework internals.
type MetricsRegistry interface {
	Counter(name string, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)
}

var globalMetricsRegistry MetricsRegistry

// SetMetricsRegistry allows the telemetry package to register itself.
func SetMetricsRegistry(registry MetricsRegistry) {
	globalMetricsRegistry = registry
}

// GetGlobalMetricsRegistry returns the global metrics registry if one has
// been set, or nil otherwise. Internal packages must treat nil as "metrics
// disabled" rather than erroring.
func GetGlobalMetricsRegistry() MetricsRegistry {
	return globalMetricsRegistry
}

// Clock abstracts time.Now so components (notably the Notification
// Dispatcher's quiet-hours check and the Guard Rails' evidence-freshness
// check) can be tested with fixed timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
