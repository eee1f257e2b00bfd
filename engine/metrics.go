package engine

import (
	"fmt"

	"github.com/rocketbitz/dmaengine-go/xfer"
)

// MetricHook captures engine telemetry events.
type MetricHook interface {
	OperationSubmitted(attrs map[string]string)
	OperationCompleted(attrs map[string]string)
	OperationFailed(err error, attrs map[string]string)
	DescriptorEnqueued(kind string, attrs map[string]string)
}

// TraceAttribute is a tracing attribute attached to operation spans.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap operation lifetimes.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records an operation's lifecycle for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

const (
	labelNode      = "node"
	labelKind      = "kind"
	labelOperation = "operation"
)

func (e *Engine) metricAttrs() map[string]string {
	return map[string]string{
		labelNode: fmt.Sprint(e.cfg.Node),
	}
}

func (e *Engine) metricOperationSubmitted(op *CopyOperation) {
	if e.metrics == nil {
		return
	}
	attrs := e.metricAttrs()
	attrs[labelOperation] = op.ID.String()
	e.metrics.OperationSubmitted(attrs)
}

func (e *Engine) metricOperationCompleted(op *CopyOperation) {
	if e.metrics == nil {
		return
	}
	attrs := e.metricAttrs()
	attrs[labelOperation] = op.ID.String()
	e.metrics.OperationCompleted(attrs)
}

func (e *Engine) metricOperationFailed(op *CopyOperation) {
	if e.metrics == nil {
		return
	}
	attrs := e.metricAttrs()
	attrs[labelOperation] = op.ID.String()
	e.metrics.OperationFailed(fmt.Errorf("dmaengine: operation %s failed", op.ID), attrs)
}

func (e *Engine) metricDescriptorEnqueued(kind xfer.XferDesKind) {
	if e.metrics == nil {
		return
	}
	e.metrics.DescriptorEnqueued(kind.String(), e.metricAttrs())
}
