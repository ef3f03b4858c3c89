package temporal

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/citysync/metric"
)

type storeMetrics struct {
	quanta    prometheus.Counter
	snapshots prometheus.Counter
	active    prometheus.Gauge
}

func newStoreMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *storeMetrics {
	if registry == nil {
		return nil
	}

	m := &storeMetrics{
		quanta: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "temporal",
			Name:      "quanta_total",
			Help:      "Quanta appended to the timeline",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "temporal",
			Name:      "snapshots_total",
			Help:      "Snapshots created",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "temporal",
			Name:      "active_epoch",
			Help:      "1 while an epoch is active",
		}),
	}

	if err := registry.RegisterCounter("temporal", "quanta_total", m.quanta); err != nil {
		logger.Warn("Failed to register temporal metric", "metric", "quanta_total", "error", err)
	}
	if err := registry.RegisterCounter("temporal", "snapshots_total", m.snapshots); err != nil {
		logger.Warn("Failed to register temporal metric", "metric", "snapshots_total", "error", err)
	}
	if err := registry.RegisterGauge("temporal", "active_epoch", m.active); err != nil {
		logger.Warn("Failed to register temporal metric", "metric", "active_epoch", "error", err)
	}
	return m
}

func (m *storeMetrics) quantum() {
	if m != nil {
		m.quanta.Inc()
	}
}

func (m *storeMetrics) snapshot() {
	if m != nil {
		m.snapshots.Inc()
	}
}

func (m *storeMetrics) activeEpoch(active bool) {
	if m == nil {
		return
	}
	if active {
		m.active.Set(1)
	} else {
		m.active.Set(0)
	}
}
