package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// OTelSink forwards counters to the global meter while keeping the
// in-memory registry for string values and inspection.
type OTelSink struct {
	reg   *Registry
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

// NewOTelSink wraps the registry with counter export through the meter.
func NewOTelSink(reg *Registry, meter metric.Meter) *OTelSink {
	return &OTelSink{
		reg:      reg,
		meter:    meter,
		counters: make(map[string]metric.Int64Counter),
	}
}

// Add implements Sink.
func (s *OTelSink) Add(name string, delta int64) {
	s.reg.Add(name, delta)
	if c := s.counter(name); c != nil {
		c.Add(context.Background(), delta)
	}
}

// Record implements Sink. String values stay local; they are invocation
// diagnostics, not time series.
func (s *OTelSink) Record(name, value string) {
	s.reg.Record(name, value)
}

func (s *OTelSink) counter(name string) metric.Int64Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c, err := s.meter.Int64Counter("gantry." + name)
	if err != nil {
		otel.Handle(err)
		return nil
	}
	s.counters[name] = c
	return c
}

var _ Sink = (*OTelSink)(nil)

// SetupOTel installs global meter and tracer providers exporting over OTLP
// gRPC to the given endpoint. The returned shutdown flushes both providers.
func SetupOTel(ctx context.Context, endpoint, serviceName string) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
	}
	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp))

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
