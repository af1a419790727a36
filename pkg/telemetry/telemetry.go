// Package telemetry wires OpenTelemetry tracing and metrics for the proxy.
//
// A single Provider is created at startup. When OTEL_EXPORTER_OTLP_ENDPOINT
// is unset the provider still records spans and metrics locally so code paths
// stay identical, but nothing is exported.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "chaosproxy"
	serviceVersion      = "1.0.0"

	// DefaultSampleRate applies when OTEL_SAMPLE_RATE is unset or invalid.
	DefaultSampleRate = 0.1

	metricExportInterval = 5 * time.Second
)

// InterceptSpan is the span wrapping every intercepted request.
const InterceptSpan = "chaos.proxy.intercept"

// Config controls provider construction.
type Config struct {
	ServiceName string
	// Endpoint is the OTLP gRPC endpoint (host:port). Empty disables export.
	Endpoint string
	// SampleRate is the trace sampling ratio, clamped to [0, 1].
	SampleRate float64
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_SAMPLE_RATE.
func ConfigFromEnv(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:  sampleRateFromEnv(),
	}
}

func sampleRateFromEnv() float64 {
	raw := os.Getenv("OTEL_SAMPLE_RATE")
	if raw == "" {
		return DefaultSampleRate
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Invalid OTEL_SAMPLE_RATE, using default", "value", raw, "default", DefaultSampleRate)
		return DefaultSampleRate
	}
	return ClampSampleRate(rate)
}

// ClampSampleRate bounds a sampling ratio to [0, 1].
func ClampSampleRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

// Provider owns the tracer, meter, and their shutdown hooks.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	instruments *instruments

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Setup builds the provider, installs it as the OTel global, and makes it
// the package default used by the Record* helpers.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ClampSampleRate(cfg.SampleRate)))

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Endpoint != "" {
		spanExp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExp))

		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(metricExportInterval)),
		))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := &Provider{
		tracer:         tp.Tracer(instrumentationName),
		meter:          mp.Meter(instrumentationName),
		tracerProvider: tp,
		meterProvider:  mp,
	}
	p.instruments, err = newInstruments(p.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	setDefault(p)
	slog.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.Endpoint,
		"sample_rate", ClampSampleRate(cfg.SampleRate))
	return p, nil
}

// Tracer returns the provider tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartSpan opens a span under the provider tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes exporters. Safe to call once during process teardown.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
