// Package metrics exposes Prometheus counters for the engine. A nil *Metrics
// is valid and records nothing, so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grid_engine"

// Order sources.
const (
	SourceExecutor = "executor"
	SourceMonitor  = "monitor"
)

// Metrics groups every collector the engine updates.
type Metrics struct {
	cycles            *prometheus.CounterVec
	ticks             prometheus.Counter
	orders            *prometheus.CounterVec
	priceFailures     *prometheus.CounterVec
	runningStrategies prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_cycles_total",
			Help:      "Strategy executor cycles by result.",
		}, []string{"result"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Price monitor ticks.",
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Executed orders by source and outcome.",
		}, []string{"source", "outcome"}),
		priceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_failures_total",
			Help:      "Failed price fetches by component.",
		}, []string{"component"}),
		runningStrategies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_strategies",
			Help:      "Strategies currently held by the manager.",
		}),
	}
	reg.MustRegister(m.cycles, m.ticks, m.orders, m.priceFailures, m.runningStrategies)
	return m
}

// CycleCompleted counts one executor cycle. result is "ok", "price_error" or "fatal".
func (m *Metrics) CycleCompleted(result string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
}

// TickCompleted counts one price monitor tick.
func (m *Metrics) TickCompleted() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// OrderOutcome counts an order result. outcome is "filled" or a failure reason.
func (m *Metrics) OrderOutcome(source, outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(source, outcome).Inc()
}

// PriceFailure counts a failed price fetch.
func (m *Metrics) PriceFailure(component string) {
	if m == nil {
		return
	}
	m.priceFailures.WithLabelValues(component).Inc()
}

// SetRunningStrategies records the registry size.
func (m *Metrics) SetRunningStrategies(n int) {
	if m == nil {
		return
	}
	m.runningStrategies.Set(float64(n))
}
