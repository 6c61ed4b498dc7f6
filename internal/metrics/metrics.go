// Package metrics exposes reconciliation metrics and the health endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ovs_vlan_agent"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the agent's collectors.
type Metrics struct {
	cycles          *prometheus.CounterVec
	operations      *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	observedBridges prometheus.Gauge
	desiredBridges  prometheus.Gauge
	lastSuccess     prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Bridge and port operations by kind and result.",
		}, []string{"op", "result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one reconciliation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		observedBridges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observed_bridges",
			Help:      "Bridges found on the host in the last cycle.",
		}),
		desiredBridges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_bridges",
			Help:      "Bridges the database asked for in the last cycle.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_cycle_timestamp_seconds",
			Help:      "Unix time of the last cycle that committed.",
		}),
	}
}

// ObserveCycle records the outcome of one cycle. Bridge gauges are only
// updated by cycles that got far enough to count them.
func (m *Metrics) ObserveCycle(fatal bool, duration time.Duration, observed, desired int, now time.Time) {
	result := ResultSuccess
	if fatal {
		result = ResultFailure
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	if fatal {
		return
	}
	m.observedBridges.Set(float64(observed))
	m.desiredBridges.Set(float64(desired))
	m.lastSuccess.Set(float64(now.Unix()))
}

// ObserveOperations adds per-kind operation counts.
func (m *Metrics) ObserveOperations(applied, failed map[string]int) {
	for op, n := range applied {
		m.operations.WithLabelValues(op, ResultSuccess).Add(float64(n))
	}
	for op, n := range failed {
		m.operations.WithLabelValues(op, ResultFailure).Add(float64(n))
	}
}
