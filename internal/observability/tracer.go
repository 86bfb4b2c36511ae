package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys used on every Agent Client call span.
const (
	AttrAgentRole       = attribute.Key("agent.role")
	AttrPromptSize      = attribute.Key("agent.prompt_size")
	AttrResponseSize    = attribute.Key("agent.response_size")
	AttrTerminalErrKind = attribute.Key("agent.terminal_error_kind")
)

const tracerName = "github.com/makerforge/orchestrator"

// InitTracing configures a process-wide TracerProvider exporting via OTLP
// over HTTP when endpoint is non-empty, otherwise a no-op provider.
func InitTracing(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("observability: build otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the orchestrator's named tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartAgentCallSpan starts the span every agent invocation reports,
// pre-populated with role and prompt size.
func StartAgentCallSpan(ctx context.Context, role string, promptSize int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.call",
		trace.WithAttributes(AttrAgentRole.String(role), AttrPromptSize.Int(promptSize)))
}
