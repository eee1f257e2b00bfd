package engine

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	operationsSubmitted *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationsFailed    *prometheus.CounterVec
	descriptorsEnqueued *prometheus.CounterVec
}

var (
	operationLabelKeys  = []string{labelNode}
	descriptorLabelKeys = []string{labelNode, labelKind}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus
// counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		operationsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "dmaengine_operations_submitted_total",
			Help:        "Number of copy operations submitted",
			ConstLabels: opts.ConstLabels,
		}, operationLabelKeys),
		operationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "dmaengine_operations_completed_total",
			Help:        "Number of copy operations that completed successfully",
			ConstLabels: opts.ConstLabels,
		}, operationLabelKeys),
		operationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "dmaengine_operations_failed_total",
			Help:        "Number of copy operations that failed",
			ConstLabels: opts.ConstLabels,
		}, operationLabelKeys),
		descriptorsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "dmaengine_descriptors_enqueued_total",
			Help:        "Number of transfer descriptors enqueued, by channel kind",
			ConstLabels: opts.ConstLabels,
		}, descriptorLabelKeys),
	}

	var err error
	if p.operationsSubmitted, err = registerCounterVec(reg, p.operationsSubmitted); err != nil {
		return nil, err
	}
	if p.operationsCompleted, err = registerCounterVec(reg, p.operationsCompleted); err != nil {
		return nil, err
	}
	if p.operationsFailed, err = registerCounterVec(reg, p.operationsFailed); err != nil {
		return nil, err
	}
	if p.descriptorsEnqueued, err = registerCounterVec(reg, p.descriptorsEnqueued); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusMetrics) OperationSubmitted(attrs map[string]string) {
	p.operationsSubmitted.With(labels(attrs, operationLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) OperationCompleted(attrs map[string]string) {
	p.operationsCompleted.With(labels(attrs, operationLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) OperationFailed(_ error, attrs map[string]string) {
	p.operationsFailed.With(labels(attrs, operationLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DescriptorEnqueued(kind string, attrs map[string]string) {
	labs := labels(attrs, descriptorLabelKeys...)
	labs[labelKind] = kind
	p.descriptorsEnqueued.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
