package infrastructure

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
)

// OTelConfig controls the telemetry providers.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// TraceSampleRate is the fraction of traces to sample, 0..1.
	TraceSampleRate float64
	// EnableTracing controls the stdout trace exporter.
	EnableTracing bool
	// EnableMetrics controls the Prometheus metric exporter.
	EnableMetrics bool
}

// DefaultOTelConfig returns the baseline telemetry configuration.
func DefaultOTelConfig() OTelConfig {
	return OTelConfig{
		ServiceName:     "gigdesk-licensed",
		ServiceVersion:  "dev",
		Environment:     "production",
		TraceSampleRate: 0.1,
		EnableTracing:   true,
		EnableMetrics:   true,
	}
}

// OTelProviders holds the initialized telemetry providers and their
// shutdown hooks.
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	shutdownFuncs  []func(context.Context) error
}

// InitOTel initializes OpenTelemetry tracing and metrics for the process
// and registers the global providers.
func InitOTel(cfg OTelConfig) (*OTelProviders, error) {
	providers := &OTelProviders{}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
	)

	if cfg.EnableTracing {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.TraceSampleRate)),
		)
		providers.TracerProvider = tp
		providers.shutdownFuncs = append(providers.shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.EnableMetrics {
		metricExporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(metricExporter),
			sdkmetric.WithResource(res),
		)
		providers.MeterProvider = mp
		providers.shutdownFuncs = append(providers.shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return providers, nil
}

// PrometheusHTTP returns the handler serving the /metrics scrape endpoint.
func PrometheusHTTP() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops all providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
