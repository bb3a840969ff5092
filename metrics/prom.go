package metrics

import "github.com/prometheus/client_golang/prometheus"

// PromBridge exposes a Collector snapshot as Prometheus metrics.
// It implements prometheus.Collector by sampling the snapshot function at
// scrape time; no state is duplicated between the two systems.
type PromBridge struct {
	snapshot func() Snapshot

	workersCreated *prometheus.Desc
	workersRetired *prometheus.Desc
	workersFailed  *prometheus.Desc
	evictions      *prometheus.Desc
	hits           *prometheus.Desc
	misses         *prometheus.Desc
	requests       *prometheus.Desc
	activeWorkers  *prometheus.Desc
	avgResponseMs  *prometheus.Desc
	memoryUsageMB  *prometheus.Desc
}

// NewPromBridge creates a bridge over the given snapshot function.
func NewPromBridge(snapshot func() Snapshot) *PromBridge {
	return &PromBridge{
		snapshot: snapshot,

		workersCreated: prometheus.NewDesc("buntime_workers_created_total",
			"Workers spawned by the pool.", nil, nil),
		workersRetired: prometheus.NewDesc("buntime_workers_retired_total",
			"Workers retired by the pool.", nil, nil),
		workersFailed: prometheus.NewDesc("buntime_workers_failed_total",
			"Worker spawns that failed.", nil, nil),
		evictions: prometheus.NewDesc("buntime_pool_evictions_total",
			"LRU evictions performed at capacity.", nil, nil),
		hits: prometheus.NewDesc("buntime_pool_hits_total",
			"Requests served by a cached worker.", nil, nil),
		misses: prometheus.NewDesc("buntime_pool_misses_total",
			"Requests that required a new worker.", nil, nil),
		requests: prometheus.NewDesc("buntime_requests_total",
			"Requests dispatched through the pool.", nil, nil),
		activeWorkers: prometheus.NewDesc("buntime_active_workers",
			"Live worker instances in the pool.", nil, nil),
		avgResponseMs: prometheus.NewDesc("buntime_avg_response_time_ms",
			"Mean response time over the last 100 requests.", nil, nil),
		memoryUsageMB: prometheus.NewDesc("buntime_memory_usage_mb",
			"Parent process heap usage in MiB.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (b *PromBridge) Describe(ch chan<- *prometheus.Desc) {
	ch <- b.workersCreated
	ch <- b.workersRetired
	ch <- b.workersFailed
	ch <- b.evictions
	ch <- b.hits
	ch <- b.misses
	ch <- b.requests
	ch <- b.activeWorkers
	ch <- b.avgResponseMs
	ch <- b.memoryUsageMB
}

// Collect implements prometheus.Collector.
func (b *PromBridge) Collect(ch chan<- prometheus.Metric) {
	snap := b.snapshot()

	ch <- prometheus.MustNewConstMetric(b.workersCreated, prometheus.CounterValue, float64(snap.WorkersCreated))
	ch <- prometheus.MustNewConstMetric(b.workersRetired, prometheus.CounterValue, float64(snap.WorkersRetired))
	ch <- prometheus.MustNewConstMetric(b.workersFailed, prometheus.CounterValue, float64(snap.WorkersFailed))
	ch <- prometheus.MustNewConstMetric(b.evictions, prometheus.CounterValue, float64(snap.Evictions))
	ch <- prometheus.MustNewConstMetric(b.hits, prometheus.CounterValue, float64(snap.Hits))
	ch <- prometheus.MustNewConstMetric(b.misses, prometheus.CounterValue, float64(snap.Misses))
	ch <- prometheus.MustNewConstMetric(b.requests, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(b.activeWorkers, prometheus.GaugeValue, float64(snap.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(b.avgResponseMs, prometheus.GaugeValue, snap.AvgResponseTimeMs)
	ch <- prometheus.MustNewConstMetric(b.memoryUsageMB, prometheus.GaugeValue, snap.MemoryUsageMB)
}
