package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for batch runs.
type Metrics struct {
	GatewayRequestsTotal *prometheus.CounterVec
	StepTransitionsTotal *prometheus.CounterVec
	SelectionFallbacks   *prometheus.CounterVec
	ImportsTotal         *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
}

// NewMetrics returns the process-wide orchestrator metrics, registering them
// on first use.
//
// Metrics:
//   - playground_gateway_requests_total{operation,outcome}
//   - playground_step_transitions_total{from,to}
//   - playground_selection_fallbacks_total{reason}
//   - playground_imports_total{document,outcome}
//   - playground_step_duration_seconds{step}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			GatewayRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "playground_gateway_requests_total",
					Help: "Total number of gateway requests issued by step executors",
				},
				[]string{"operation", "outcome"}, // outcome: "ok" or "error"
			),
			StepTransitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "playground_step_transitions_total",
					Help: "Total number of run step transitions",
				},
				[]string{"from", "to"},
			),
			SelectionFallbacks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "playground_selection_fallbacks_total",
					Help: "Total number of random submission picks",
				},
				[]string{"reason"}, // "error", "no_selection", "unknown_id"
			),
			ImportsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "playground_imports_total",
					Help: "Total number of import attempts",
				},
				[]string{"document", "outcome"},
			),
			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "playground_step_duration_seconds",
					Help:    "Duration of one step executor invocation in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
				},
				[]string{"step"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) gatewayRequest(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
}
