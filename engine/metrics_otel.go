package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter               metric.Meter
	operationsSubmitted metric.Int64Counter
	operationsCompleted metric.Int64Counter
	operationsFailed    metric.Int64Counter
	descriptorsEnqueued metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter
// measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/dmaengine-go/engine"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	operationsSubmitted, err := meter.Int64Counter("dmaengine.operations.submitted")
	if err != nil {
		return nil, err
	}
	operationsCompleted, err := meter.Int64Counter("dmaengine.operations.completed")
	if err != nil {
		return nil, err
	}
	operationsFailed, err := meter.Int64Counter("dmaengine.operations.failed")
	if err != nil {
		return nil, err
	}
	descriptorsEnqueued, err := meter.Int64Counter("dmaengine.descriptors.enqueued")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:               meter,
		operationsSubmitted: operationsSubmitted,
		operationsCompleted: operationsCompleted,
		operationsFailed:    operationsFailed,
		descriptorsEnqueued: descriptorsEnqueued,
	}, nil
}

// OperationSubmitted records a submitted copy operation.
func (o *OTelMetrics) OperationSubmitted(attrs map[string]string) {
	o.operationsSubmitted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// OperationCompleted records a successfully completed copy operation.
func (o *OTelMetrics) OperationCompleted(attrs map[string]string) {
	o.operationsCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// OperationFailed records a failed copy operation.
func (o *OTelMetrics) OperationFailed(_ error, attrs map[string]string) {
	o.operationsFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DescriptorEnqueued records a descriptor handed to a channel, by kind.
func (o *OTelMetrics) DescriptorEnqueued(kind string, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.descriptorsEnqueued.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelNode, attrs[labelNode]),
	}
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	return kvs
}
