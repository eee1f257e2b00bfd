package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelTracerOptions configures NewOTelTracer.
type OTelTracerOptions struct {
	TracerProvider         trace.TracerProvider
	Tracer                 trace.Tracer
	InstrumentationName    string
	InstrumentationVersion string
}

var _ Tracer = (*OTelTracer)(nil)

// OTelTracer implements Tracer on top of an OpenTelemetry tracer.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer constructs a Tracer that opens OpenTelemetry spans around
// operation lifetimes.
func NewOTelTracer(opts OTelTracerOptions) *OTelTracer {
	tracer := opts.Tracer
	if tracer == nil {
		provider := opts.TracerProvider
		if provider == nil {
			provider = otel.GetTracerProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/dmaengine-go/engine"
		}
		tracer = provider.Tracer(name, trace.WithInstrumentationVersion(opts.InstrumentationVersion))
	}
	return &OTelTracer{tracer: tracer}
}

// StartSpan opens a span with the given attributes.
func (t *OTelTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	_, span := t.tracer.Start(context.Background(), name,
		trace.WithAttributes(otelSpanAttrs(attrs)...))
	return &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func (s *otelSpan) AddEvent(name string, attrs ...TraceAttribute) {
	s.span.AddEvent(name, trace.WithAttributes(otelSpanAttrs(attrs)...))
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func otelSpanAttrs(attrs []TraceAttribute) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(a.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(a.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(a.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(a.Key, v))
		default:
			kvs = append(kvs, attribute.String(a.Key, fmt.Sprint(v)))
		}
	}
	return kvs
}
