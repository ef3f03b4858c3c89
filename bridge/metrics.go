package bridge

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/citysync/contract"
	"github.com/c360/citysync/metric"
)

type bridgeMetrics struct {
	messages      *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
}

func newBridgeMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *bridgeMetrics {
	if registry == nil {
		return nil
	}

	m := &bridgeMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Inbound messages by result (dispatched, unhandled, dropped)",
		}, []string{"result"}),

		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "handler_errors_total",
			Help:      "Handler failures by event type",
		}, []string{"event_type", "timeout"}),
	}

	if err := registry.RegisterCounterVec("bridge", "messages_total", m.messages); err != nil {
		logger.Warn("Failed to register bridge metric", "metric", "messages_total", "error", err)
	}
	if err := registry.RegisterCounterVec("bridge", "handler_errors_total", m.handlerErrors); err != nil {
		logger.Warn("Failed to register bridge metric", "metric", "handler_errors_total", "error", err)
	}
	return m
}

func (m *bridgeMetrics) message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *bridgeMetrics) handlerError(eventType contract.EventType, timeout bool) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(string(eventType), strconv.FormatBool(timeout)).Inc()
}
