package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelSink is the default Sink, wiring every emitted event through the
// OpenTelemetry SDK: a batched span pipeline (stdout exporter by
// default — concrete collector wiring is an external concern per
// spec.md §1) and an OTel metrics Meter for counters/gauges.
type OTelSink struct {
	tracer trace.Tracer
	meter  metric.Meter

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
}

// NewOTelSink builds an OTelSink for serviceName. Span export defaults
// to stdout; swap in a different sdktrace.SpanExporter for a real
// collector without changing any caller of Sink.
func NewOTelSink(serviceName string) (*OTelSink, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("building stdout span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return &OTelSink{
		tracer:   tp.Tracer("pipelineframework"),
		meter:    mp.Meter("pipelineframework"),
		tp:       tp,
		mp:       mp,
		counters: make(map[string]metric.Float64Counter),
		gauges:   make(map[string]metric.Float64Gauge),
	}, nil
}

func (s *OTelSink) Shutdown(ctx context.Context) error {
	if err := s.tp.Shutdown(ctx); err != nil {
		return err
	}
	return s.mp.Shutdown(ctx)
}

func toAttrs(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func (s *OTelSink) Counter(name string, tags map[string]string) Counter {
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		var err error
		c, err = s.meter.Float64Counter(name)
		if err != nil {
			s.mu.Unlock()
			return noOpCounter{}
		}
		s.counters[name] = c
	}
	s.mu.Unlock()
	return &otelCounter{counter: c, attrs: toAttrs(tags)}
}

func (s *OTelSink) Gauge(name string, tags map[string]string) Gauge {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		var err error
		g, err = s.meter.Float64Gauge(name)
		if err != nil {
			s.mu.Unlock()
			return noOpGauge{}
		}
		s.gauges[name] = g
	}
	s.mu.Unlock()
	return &otelGauge{gauge: g, attrs: toAttrs(tags)}
}

func (s *OTelSink) Span(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := s.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

type otelCounter struct {
	counter metric.Float64Counter
	attrs   []attribute.KeyValue
}

func (c *otelCounter) Inc(n float64) {
	c.counter.Add(context.Background(), n, metric.WithAttributes(c.attrs...))
}

type otelGauge struct {
	gauge metric.Float64Gauge
	attrs []attribute.KeyValue
}

func (g *otelGauge) Set(v float64) {
	g.gauge.Record(context.Background(), v, metric.WithAttributes(g.attrs...))
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttr(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) SetStatus(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
