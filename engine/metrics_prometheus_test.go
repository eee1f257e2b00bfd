package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/rocketbitz/dmaengine-go/xfer"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total += sumCounters(mf)
	}
	return total
}

func sumCounters(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func TestPrometheusMetricsCountOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics failed: %v", err)
	}

	e := newTestEngine(t, Config{Node: 0, Metrics: hook})

	const size = 4096
	srcMem := xfer.NewLocalMemory(xfer.MemSystem, 0, size)
	dstMem := xfer.NewLocalMemory(xfer.MemSystem, 0, size)

	op, err := e.Submit(CopyPlan{XDs: []XDSpec{{
		Kind: xfer.KindMemcpy,
		GUID: e.NewGUID(),
		Inputs: []xfer.PortInfo{{
			Mem: srcMem, Iter: xfer.NewContigIterator(0, size),
			PeerGUID: xfer.NoGUID, IndirectPortIdx: -1,
		}},
		Outputs: []xfer.PortInfo{{
			Mem: dstMem, Iter: xfer.NewContigIterator(0, size),
			PeerGUID: xfer.NoGUID, IndirectPortIdx: -1,
		}},
	}}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := op.Await(ctx); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	if got := counterValue(t, reg, "dmaengine_operations_submitted_total"); got != 1 {
		t.Fatalf("submitted counter %v want 1", got)
	}
	if got := counterValue(t, reg, "dmaengine_operations_completed_total"); got != 1 {
		t.Fatalf("completed counter %v want 1", got)
	}
	if got := counterValue(t, reg, "dmaengine_descriptors_enqueued_total"); got != 1 {
		t.Fatalf("descriptor counter %v want 1", got)
	}
	if got := counterValue(t, reg, "dmaengine_operations_failed_total"); got != 0 {
		t.Fatalf("failed counter %v want 0", got)
	}
}

func TestPrometheusMetricsReregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	// registering twice reuses the existing collectors
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg}); err != nil {
		t.Fatalf("second registration failed: %v", err)
	}
}
