// Package observe provides the observability primitives shared by Mosscap:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and the HTTP
// middleware used by the telemetry server.
//
// Metrics go through the OpenTelemetry Metrics API and are exported for
// Prometheus scraping by [InitProvider]. [DefaultMetrics] returns a lazily
// created package-level instance; tests use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every Mosscap instrument.
const meterName = "github.com/MrWong99/mosscap"

// Metrics holds the OpenTelemetry instruments of the application.
type Metrics struct {
	// LLMDuration tracks the latency of a single completion request.
	LLMDuration metric.Float64Histogram

	// ToolExecutionDuration tracks the latency of a single tool invocation.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks a whole chat turn including every auto-invoke
	// round trip.
	TurnDuration metric.Float64Histogram

	// AutoInvokeAttempts records how many model round trips a turn needed.
	AutoInvokeAttempts metric.Int64Histogram

	// ProviderRequests counts completion requests. Attributes:
	//   provider, status
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed completion requests. Attributes:
	//   provider, kind
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes:
	//   tool, status
	ToolCalls metric.Int64Counter

	// ChatTurns counts completed chat turns. Attributes:
	//   status
	ChatTurns metric.Int64Counter

	// Tokens counts tokens reported by providers. Attributes:
	//   provider, direction (prompt|completion)
	Tokens metric.Int64Counter

	// ActiveSessions tracks running chat sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks telemetry server requests. Attributes:
	//   method, route, status
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Remote completions
// routinely take several seconds, so the upper range is wide.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

var attemptBuckets = []float64{1, 2, 3, 4, 5, 8, 10}

// instruments creates instruments on one meter and keeps the first error.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) fail(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("observe: instrument %s: %w", name, err)
	}
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.fail(name, err)
	return h
}

func (b *instruments) distribution(name, desc string, buckets ...float64) metric.Int64Histogram {
	h, err := b.meter.Int64Histogram(name, metric.WithDescription(desc), metric.WithExplicitBucketBoundaries(buckets...))
	b.fail(name, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.fail(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.fail(name, err)
	return c
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	met := &Metrics{
		LLMDuration:           b.seconds("mosscap.llm.duration", "Latency of a completion request.", latencyBuckets...),
		ToolExecutionDuration: b.seconds("mosscap.tool_execution.duration", "Latency of a tool invocation.", latencyBuckets...),
		TurnDuration:          b.seconds("mosscap.chat.turn.duration", "Latency of a chat turn including tool round trips.", latencyBuckets...),
		AutoInvokeAttempts:    b.distribution("mosscap.auto_invoke.attempts", "Model round trips needed per chat turn.", attemptBuckets...),

		ProviderRequests: b.counter("mosscap.provider.requests", "Total completion requests by provider and status."),
		ProviderErrors:   b.counter("mosscap.provider.errors", "Total provider errors by provider and kind."),
		ToolCalls:        b.counter("mosscap.tool.calls", "Total tool invocations by tool name and status."),
		ChatTurns:        b.counter("mosscap.chat.turns", "Total chat turns by status."),
		Tokens:           b.counter("mosscap.llm.tokens", "Tokens reported by providers by direction."),

		ActiveSessions:      b.gauge("mosscap.active_sessions", "Number of running chat sessions."),
		HTTPRequestDuration: b.seconds("mosscap.http.request.duration", "Telemetry server request latency by method and route."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. It panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest records one completion request and its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string, elapsed time.Duration) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.LLMDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordProviderError records one failed completion request.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records one tool invocation and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordTurn records a finished chat turn.
func (m *Metrics) RecordTurn(ctx context.Context, status string, attempts int, elapsed time.Duration) {
	m.ChatTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.TurnDuration.Record(ctx, elapsed.Seconds())
	if attempts > 0 {
		m.AutoInvokeAttempts.Record(ctx, int64(attempts))
	}
}

// RecordTokens adds the prompt and completion token counts of one response.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, prompt, completion int) {
	if prompt > 0 {
		m.Tokens.Add(ctx, int64(prompt), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("direction", "prompt"),
		))
	}
	if completion > 0 {
		m.Tokens.Add(ctx, int64(completion), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("direction", "completion"),
		))
	}
}
