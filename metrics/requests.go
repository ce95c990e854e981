package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Labels partitioning gateway requests.
var (
	requestLabels        = []string{"endpoint", "status", "cause"}
	requestLatencyLabels = []string{"endpoint", "method"}
)

// Gateway requests wrap canister calls; updates take seconds.
var requestLatencyBuckets = []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30}

// RequestMetrics instruments requests served by the gateway.
type RequestMetrics struct {
	counts    *prometheus.CounterVec
	latencies *prometheus.HistogramVec
	inFlight  prometheus.Gauge
}

// NewDefaultRequestMetrics creates the request instrumentation of pkg:
// request counts by endpoint, status and cause, latencies by endpoint and
// method, and the number of requests in flight.
func NewDefaultRequestMetrics(pkg string) RequestMetrics {
	m := RequestMetrics{
		counts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_requests", pkg),
				Help: "How many service requests were made, partitioned by request endpoint, status, and cause.",
			},
			requestLabels,
		),
		latencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    fmt.Sprintf("%s_request_latencies", pkg),
				Help:    "How long requests take to process, partitioned by request endpoint and method.",
				Buckets: requestLatencyBuckets,
			},
			requestLatencyLabels,
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: fmt.Sprintf("%s_requests_in_flight", pkg),
				Help: "How many requests are being served.",
			},
		),
	}
	m.counts = registerOnce(m.counts)
	m.latencies = registerOnce(m.latencies)
	m.inFlight = registerOnce(m.inFlight)
	return m
}

// RequestCounter returns the counter for the calling request.
// Labels are endpoint, status and cause; missing ones are left empty.
func (m *RequestMetrics) RequestCounter(labels ...string) prometheus.Counter {
	return m.counts.WithLabelValues(padLabels(labels, len(requestLabels))...)
}

// ObserveLatency records how long a request to endpoint took.
func (m *RequestMetrics) ObserveLatency(endpoint, method string, d time.Duration) {
	m.latencies.WithLabelValues(endpoint, method).Observe(d.Seconds())
}

// Track counts a request as in flight until the returned func is called.
func (m *RequestMetrics) Track() (done func()) {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func padLabels(labels []string, n int) []string {
	if len(labels) > n {
		return labels[:n]
	}
	return append(labels, make([]string, n-len(labels))...)
}
