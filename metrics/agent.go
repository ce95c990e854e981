package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics instruments calls made to canisters.
type AgentMetrics struct {
	// Counts of canister calls.
	calls *prometheus.CounterVec

	// Latencies of canister calls, including update call polling.
	latencies *prometheus.HistogramVec
}

// NewDefaultAgentMetrics creates Prometheus metric instrumentation for
// canister calls. Default metrics include:
//
// 1. Counts of calls, partitioned by canister, method, kind and status.
// 2. Latencies of calls, partitioned by method and kind.
func NewDefaultAgentMetrics(pkg string) AgentMetrics {
	metrics := AgentMetrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_canister_calls", pkg),
				Help: "How many canister calls were made, partitioned by canister, method, kind, and status.",
			},
			[]string{"canister", "method", "kind", "status"}, // Labels.
		),
		latencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    fmt.Sprintf("%s_canister_call_latencies", pkg),
				Help:    "How long canister calls take, partitioned by method and kind.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "kind"}, // Labels.
		),
	}
	metrics.calls = registerOnce(metrics.calls)
	metrics.latencies = registerOnce(metrics.latencies)
	return metrics
}

// Calls returns the counter for a canister call.
func (m *AgentMetrics) Calls(canister, method, kind, status string) prometheus.Counter {
	return m.calls.WithLabelValues(canister, method, kind, status)
}

// CallLatencies returns a new latency timer for a canister call.
func (m *AgentMetrics) CallLatencies(method, kind string) *prometheus.Timer {
	return prometheus.NewTimer(m.latencies.WithLabelValues(method, kind))
}
