package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes of database operations.
const (
	OperationSuccess = "success"
	OperationFailure = "failure"
)

// CacheReadStatus is the outcome of a reply cache read.
type CacheReadStatus string

const (
	CacheReadStatusHit  CacheReadStatus = "hit"
	CacheReadStatusMiss CacheReadStatus = "miss"
	// The cached value did not decode, likely written by an older version.
	CacheReadStatusBadValue CacheReadStatus = "bad_value"
	CacheReadStatusError    CacheReadStatus = "error"
)

// StorageMetrics instruments the database writes and reply cache reads of
// one component, e.g. "feedmirror" or "query_cache".
type StorageMetrics struct {
	component string

	operations *prometheus.CounterVec
	latencies  *prometheus.HistogramVec
	cacheReads *prometheus.CounterVec
}

// NewDefaultStorageMetrics creates the storage instrumentation of component.
// Cache reads of all components share one metric, labelled by component.
func NewDefaultStorageMetrics(component string) StorageMetrics {
	m := StorageMetrics{
		component: component,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_db_operations", component),
				Help: "How many database operations occur, partitioned by operation and status.",
			},
			[]string{"database", "operation", "status"},
		),
		latencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: fmt.Sprintf("%s_db_latencies", component),
				Help: "How long database operations take, partitioned by operation.",
			},
			[]string{"database", "operation"},
		),
		cacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "local_cache_reads",
				Help: "How many reply cache reads occur, partitioned by cache and status (hit, miss, bad_value, error).",
			},
			[]string{"cache", "status"},
		),
	}
	m.operations = registerOnce(m.operations)
	m.latencies = registerOnce(m.latencies)
	m.cacheReads = registerOnce(m.cacheReads)
	return m
}

// DatabaseOperations returns the counter of operation on db with the given
// status.
func (m *StorageMetrics) DatabaseOperations(db, operation, status string) prometheus.Counter {
	return m.operations.WithLabelValues(db, operation, status)
}

// DatabaseLatencies starts a latency timer for operation on db.
func (m *StorageMetrics) DatabaseLatencies(db, operation string) *prometheus.Timer {
	return prometheus.NewTimer(m.latencies.WithLabelValues(db, operation))
}

// Operation starts timing operation on db. The returned func records the
// latency and counts the operation as failed when err is non-nil.
func (m *StorageMetrics) Operation(db, operation string) (finish func(err error)) {
	timer := m.DatabaseLatencies(db, operation)
	return func(err error) {
		timer.ObserveDuration()
		status := OperationSuccess
		if err != nil {
			status = OperationFailure
		}
		m.DatabaseOperations(db, operation, status).Inc()
	}
}

// LocalCacheReads returns the counter of cache reads with the given status.
func (m *StorageMetrics) LocalCacheReads(status CacheReadStatus) prometheus.Counter {
	return m.cacheReads.WithLabelValues(m.component, string(status))
}
