package transport

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/citysync/metric"
)

// Metrics counts chunk traffic. One Metrics is shared by every Sender and
// Reassembler in a process.
type Metrics struct {
	chunks     *prometheus.CounterVec
	incomplete prometheus.Counter
	pending    prometheus.Gauge
}

// NewMetrics registers transport metrics. A nil registry returns nil, which
// every consumer accepts.
func NewMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Metrics{
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transport",
			Name:      "chunks_total",
			Help:      "Chunks sent or received",
		}, []string{"direction"}),
		incomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "transport",
			Name:      "incomplete_total",
			Help:      "Transfers dropped before all chunks arrived",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "transport",
			Name:      "pending_buffers",
			Help:      "Transfers waiting for more chunks",
		}),
	}

	if err := registry.RegisterCounterVec("transport", "chunks_total", m.chunks); err != nil {
		logger.Warn("Failed to register transport metric", "metric", "chunks_total", "error", err)
	}
	if err := registry.RegisterCounter("transport", "incomplete_total", m.incomplete); err != nil {
		logger.Warn("Failed to register transport metric", "metric", "incomplete_total", "error", err)
	}
	if err := registry.RegisterGauge("transport", "pending_buffers", m.pending); err != nil {
		logger.Warn("Failed to register transport metric", "metric", "pending_buffers", "error", err)
	}
	return m
}

func (m *Metrics) sent(n int) {
	if m != nil {
		m.chunks.WithLabelValues("sent").Add(float64(n))
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.chunks.WithLabelValues("received").Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.incomplete.Inc()
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}
