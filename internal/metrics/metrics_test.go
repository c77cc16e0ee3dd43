package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRun("imported", 5, 4, 1)
	m.ObserveRun("empty", 0, 0, 0)

	if got := testutil.ToFloat64(m.Parsed); got != 5 {
		t.Errorf("parsed = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.Records.WithLabelValues("succeeded")); got != 4 {
		t.Errorf("succeeded = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.Records.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Runs.WithLabelValues("empty")); got != 1 {
		t.Errorf("empty runs = %v, want 1", got)
	}
}

func TestNewTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)

	a.ObserveRun("imported", 1, 1, 0)
	if got := testutil.ToFloat64(b.Parsed); got != 1 {
		t.Errorf("second Metrics does not share counters: parsed = %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("imported", 1, 1, 0)
}
