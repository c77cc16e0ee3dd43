// Package metrics exposes Prometheus counters for import runs.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	appLog "icsimport/internal/log"
)

// Metrics groups the counters updated by the import pipeline.
type Metrics struct {
	Runs    *prometheus.CounterVec
	Parsed  prometheus.Counter
	Records *prometheus.CounterVec
}

// New creates the counters and registers them with reg. A collector that
// is already registered is reused, so New can be called more than once
// against the same registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icsimport_runs_total",
			Help: "Import runs by result (imported, empty, rejected).",
		}, []string{"result"}),
		Parsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icsimport_records_parsed_total",
			Help: "Event records produced by the parser.",
		}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icsimport_records_imported_total",
			Help: "Records written to a calendar store by outcome (succeeded, failed).",
		}, []string{"outcome"}),
	}

	m.Runs = register(reg, m.Runs)
	m.Parsed = register(reg, m.Parsed)
	m.Records = register(reg, m.Records)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		appLog.Error("metrics: cannot register collector", err)
	}
	return c
}

// ObserveRun records one pipeline run.
func (m *Metrics) ObserveRun(result string, parsed, succeeded, failed int) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(result).Inc()
	m.Parsed.Add(float64(parsed))
	m.Records.WithLabelValues("succeeded").Add(float64(succeeded))
	m.Records.WithLabelValues("failed").Add(float64(failed))
}
