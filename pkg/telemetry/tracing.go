// Package telemetry wires OpenTelemetry tracing for skill operations.
package telemetry

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// TracerName is the instrumentation name of every skillbox span.
const TracerName = "skillbox"

// Config controls tracing. The OTLP endpoint and headers come from the
// standard OTEL_EXPORTER_OTLP_* environment variables.
type Config struct {
	Enabled        bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	ServiceName    string  `mapstructure:"service_name" json:"service_name,omitempty" yaml:"service_name,omitempty"`
	ServiceVersion string  `mapstructure:"-" json:"-" yaml:"-"`
	SamplerType    string  `mapstructure:"sampler" json:"sampler,omitempty" yaml:"sampler,omitempty" jsonschema:"enum=always,enum=never,enum=ratio"`
	SamplerRatio   float64 `mapstructure:"sampler_ratio" json:"sampler_ratio,omitempty" yaml:"sampler_ratio,omitempty"`
}

// InitTracer installs a global OTLP tracer provider. The returned function
// flushes and stops it; when tracing is disabled it does nothing.
func InitTracer(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = TracerName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create resource")
	}

	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trace exporter")
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(
			traceExporter,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(1*time.Second),
		)),
		sdktrace.WithSampler(Sampler(cfg)),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdownFuncs := []func(context.Context) error{tracerProvider.Shutdown, traceExporter.Shutdown}
	return func(ctx context.Context) error {
		var result *multierror.Error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}, nil
}

// Sampler maps cfg.SamplerType to a sampler. Unknown types sample everything.
func Sampler(cfg Config) sdktrace.Sampler {
	switch cfg.SamplerType {
	case "never":
		return sdktrace.NeverSample()
	case "ratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))
	default:
		return sdktrace.AlwaysSample()
	}
}
