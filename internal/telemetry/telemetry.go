// Package telemetry provides OpenTelemetry instrumentation for curfew.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/yairfalse/curfew/internal/config"
)

const instrumentationName = "curfew"

// Provider holds the tracer and meter providers. Metrics are always
// readable from the Prometheus registry and are also pushed over OTLP
// when an endpoint is configured.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *prometheus.Registry
}

// NewProvider builds both providers and installs them as the otel globals.
func NewProvider(ctx context.Context, cfg config.OTELConfig) (*Provider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	scrape, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(scrape)}

	if cfg.Endpoint != "" {
		push := newOTLP(cfg)
		if cfg.Traces.Enabled {
			exp, err := otlptracegrpc.New(ctx, push.trace...)
			if err != nil {
				return nil, fmt.Errorf("create trace exporter: %w", err)
			}
			traceOpts = append(traceOpts,
				sdktrace.WithBatcher(exp),
				sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate)),
			)
		}
		if cfg.Metrics.Enabled {
			exp, err := otlpmetricgrpc.New(ctx, push.metric...)
			if err != nil {
				return nil, fmt.Errorf("create metric exporter: %w", err)
			}
			meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
		}
	}

	p := &Provider{
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		meterProvider:  sdkmetric.NewMeterProvider(meterOpts...),
		registry:       registry,
	}
	p.tracer = p.tracerProvider.Tracer(instrumentationName)
	p.meter = p.meterProvider.Meter(instrumentationName)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	return p, nil
}

// otlpOptions carries the collector endpoint and transport security for
// both OTLP exporters.
type otlpOptions struct {
	trace  []otlptracegrpc.Option
	metric []otlpmetricgrpc.Option
}

func newOTLP(cfg config.OTELConfig) otlpOptions {
	o := otlpOptions{
		trace:  []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)},
		metric: []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)},
	}
	if cfg.Insecure {
		o.trace = append(o.trace, otlptracegrpc.WithInsecure())
		o.metric = append(o.metric, otlpmetricgrpc.WithInsecure())
		return o
	}
	creds := credentials.NewClientTLSFromCert(nil, "")
	o.trace = append(o.trace, otlptracegrpc.WithTLSCredentials(creds))
	o.metric = append(o.metric, otlpmetricgrpc.WithTLSCredentials(creds))
	return o
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// MetricsHandler serves the Prometheus exposition of every instrument
// created from this provider.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and metrics. Both providers are shut
// down even if the first fails.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown meter: %w", err))
	}
	return errors.Join(errs...)
}
