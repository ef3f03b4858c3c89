package gateway

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/citysync/metric"
)

type gatewayMetrics struct {
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	commands    *prometheus.CounterVec
}

func newGatewayMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *gatewayMetrics {
	if registry == nil {
		return nil
	}

	m := &gatewayMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "inbound_frames_total",
			Help:      "Inbound websocket frames by result (queued, rate_limited, rejected)",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Command requests by HTTP status",
		}, []string{"status"}),
	}

	if err := registry.RegisterGauge("gateway", "connections", m.connections); err != nil {
		logger.Warn("Failed to register gateway metric", "metric", "connections", "error", err)
	}
	if err := registry.RegisterCounterVec("gateway", "inbound_frames_total", m.frames); err != nil {
		logger.Warn("Failed to register gateway metric", "metric", "inbound_frames_total", "error", err)
	}
	if err := registry.RegisterCounterVec("gateway", "commands_total", m.commands); err != nil {
		logger.Warn("Failed to register gateway metric", "metric", "commands_total", "error", err)
	}
	return m
}

func (m *gatewayMetrics) setConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *gatewayMetrics) frame(result string) {
	if m != nil {
		m.frames.WithLabelValues(result).Inc()
	}
}

func (m *gatewayMetrics) command(status int) {
	if m != nil {
		m.commands.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}
