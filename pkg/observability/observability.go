// Package observability wires OpenTelemetry tracing and OTLP metrics for
// the executor. Tracing is optional: an empty endpoint leaves the no-op
// global providers in place and every span helper degrades gracefully.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

const instrumentationName = "script-executor"

// Provider owns the OTel trace and metric pipelines.
type Provider struct {
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	executionsStarted metric.Int64Counter
	callbacksServed   metric.Int64Counter
	executionLatency  metric.Float64Histogram
}

// New builds a Provider from the otel config section. An empty endpoint
// disables export entirely; the returned provider is still safe to use.
func New(ctx context.Context, cfg config.OtelConfig, version string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		logger: logger.With("component", "observability"),
		tracer: otel.Tracer(instrumentationName),
	}
	if cfg.Endpoint == "" {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(instrumentationName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(version))
	if p.executionsStarted, err = meter.Int64Counter("executor.executions.started",
		metric.WithDescription("Executions admitted and handed to the sandbox"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("observability: counter: %w", err)
	}
	if p.callbacksServed, err = meter.Int64Counter("executor.callbacks.served",
		metric.WithDescription("Capability callbacks served to running scripts"),
		metric.WithUnit("{callback}"),
	); err != nil {
		return nil, fmt.Errorf("observability: counter: %w", err)
	}
	if p.executionLatency, err = meter.Float64Histogram("executor.execution.duration",
		metric.WithDescription("Wall time per execution in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, fmt.Errorf("observability: histogram: %w", err)
	}

	p.enabled = true
	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(version))
	p.logger.Info("tracing enabled", "endpoint", cfg.Endpoint)
	return p, nil
}

// StartExecutionSpan opens the span covering one execution attempt.
func (p *Provider) StartExecutionSpan(ctx context.Context, tenantID, scriptID string, trigger string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("script.id", scriptID),
			attribute.String("execution.trigger", trigger),
		))
	if p.enabled {
		p.executionsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("execution.trigger", trigger)))
	}
	return ctx, span
}

// EndExecutionSpan closes the span with the terminal status and records
// the latency sample.
func (p *Provider) EndExecutionSpan(ctx context.Context, span trace.Span, status string, elapsed time.Duration) {
	span.SetAttributes(attribute.String("execution.status", status))
	span.End()
	if p.enabled {
		p.executionLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("execution.status", status)))
	}
}

// RecordCallback counts one served capability callback.
func (p *Provider) RecordCallback(ctx context.Context, namespace, outcome string) {
	if !p.enabled {
		return
	}
	p.callbacksServed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("callback.namespace", namespace),
		attribute.String("callback.outcome", outcome),
	))
}

// Shutdown flushes both pipelines. Nil-safe and no-op when disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || !p.enabled {
		return nil
	}
	var firstErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
