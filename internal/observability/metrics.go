package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects gateway-level Prometheus metrics.
//
// All metrics register with the provided registerer (pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests
// keeps them hermetic).
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// RPCRequestCounter counts reasoning-subprocess requests.
	// Labels: method, status (success|error|timeout)
	RPCRequestCounter *prometheus.CounterVec

	// ActiveSessions tracks sessions currently held in memory.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all gateway metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_tool_executions_total",
				Help: "Total number of tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawgate_tool_execution_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		RPCRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_rpc_requests_total",
				Help: "Total number of reasoning subprocess requests by method and status",
			},
			[]string{"method", "status"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawgate_active_sessions",
				Help: "Number of sessions currently held in memory",
			},
		),
	}
}
