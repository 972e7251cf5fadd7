package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCount(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CycleCompleted("ok")
	m.CycleCompleted("ok")
	m.TickCompleted()
	m.OrderOutcome(SourceExecutor, "filled")
	m.OrderOutcome(SourceMonitor, "timeout")
	m.PriceFailure("executor")
	m.SetRunningStrategies(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues(SourceExecutor, "filled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues(SourceMonitor, "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.priceFailures.WithLabelValues("executor")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.runningStrategies))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CycleCompleted("ok")
		m.TickCompleted()
		m.OrderOutcome(SourceExecutor, "filled")
		m.PriceFailure("monitor")
		m.SetRunningStrategies(1)
	})
}
