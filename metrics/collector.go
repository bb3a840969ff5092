// Package metrics provides pool-level metrics collection.
//
// The Collector accumulates counters for the lifetime of a pool. It is a leaf
// package with no internal dependencies. Per-worker totals are absorbed at
// retirement via AccumulateWorkerStats rather than recorded live, so the hot
// path touches only O(1) counter increments and the bounded duration buffer.
package metrics

import (
	"math"
	"runtime"
	"sync"
	"time"
)

// ResponseTimeSlots is the size of the circular response-time buffer.
const ResponseTimeSlots = 100

// HistoricalEntry accumulates totals from retired workers under one pool key.
type HistoricalEntry struct {
	WorkerCount         int64   `json:"workerCount"`
	RequestCount        int64   `json:"requestCount"`
	ErrorCount          int64   `json:"errorCount"`
	TotalResponseTimeMs float64 `json:"totalResponseTimeMs"`
}

// EphemeralEntry tracks one-shot workers under one pool key.
// Session counters reset when a document or API request arrives; cumulative
// counters always accrue.
type EphemeralEntry struct {
	SessionCount       int64   `json:"sessionCount"`
	SessionTotalMs     float64 `json:"sessionTotalMs"`
	CumulativeCount    int64   `json:"cumulativeCount"`
	CumulativeTotalMs  float64 `json:"cumulativeTotalMs"`
	LastSessionResetAt string  `json:"lastSessionResetAt,omitempty"`
}

// Snapshot is an immutable point-in-time view of pool metrics.
// Safe to read concurrently after creation.
type Snapshot struct {
	WorkersCreated int64 `json:"workersCreated"`
	WorkersRetired int64 `json:"workersRetired"`
	WorkersFailed  int64 `json:"workersFailed"`
	Evictions      int64 `json:"evictions"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	TotalRequests  int64 `json:"totalRequests"`

	ActiveWorkers     int     `json:"activeWorkers"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	UptimeMs          int64   `json:"uptimeMs"`
	MemoryUsageMB     float64 `json:"memoryUsageMB"`

	Historical map[string]HistoricalEntry `json:"historical,omitempty"`
	Ephemeral  map[string]EphemeralEntry  `json:"ephemeral,omitempty"`
}

// Collector accumulates pool metrics.
// Thread-safe via sync.Mutex. All recording methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	workersCreated int64
	workersRetired int64
	workersFailed  int64
	evictions      int64
	hits           int64
	misses         int64
	totalRequests  int64

	responseTimes [ResponseTimeSlots]float64
	responseIdx   int
	responseSeen  int64

	historical map[string]*HistoricalEntry
	ephemeral  map[string]*EphemeralEntry

	startedAt time.Time
}

// NewCollector creates an empty Collector with the uptime clock started.
func NewCollector() *Collector {
	return &Collector{
		historical: make(map[string]*HistoricalEntry),
		ephemeral:  make(map[string]*EphemeralEntry),
		startedAt:  time.Now(),
	}
}

// RecordRequest records one dispatched request and its duration.
func (c *Collector) RecordRequest(durationMs float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.totalRequests++
	c.responseTimes[c.responseIdx] = durationMs
	c.responseIdx = (c.responseIdx + 1) % ResponseTimeSlots
	c.responseSeen++
	c.mu.Unlock()
}

// RecordHit records a pool cache hit.
func (c *Collector) RecordHit() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

// RecordMiss records a pool cache miss.
func (c *Collector) RecordMiss() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// RecordEviction records an LRU eviction.
func (c *Collector) RecordEviction() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.evictions++
	c.mu.Unlock()
}

// RecordWorkerCreated records a successful worker spawn.
func (c *Collector) RecordWorkerCreated() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workersCreated++
	c.mu.Unlock()
}

// RecordWorkerRetired records a worker retirement.
func (c *Collector) RecordWorkerRetired() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workersRetired++
	c.mu.Unlock()
}

// RecordWorkerFailed records a worker that failed to spawn.
func (c *Collector) RecordWorkerFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workersFailed++
	c.mu.Unlock()
}

// AccumulateWorkerStats merges a retired worker's totals into the historical
// map under its pool key.
func (c *Collector) AccumulateWorkerStats(key string, requests, errors int64, totalResponseTimeMs float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	entry, ok := c.historical[key]
	if !ok {
		entry = &HistoricalEntry{}
		c.historical[key] = entry
	}
	entry.WorkerCount++
	entry.RequestCount += requests
	entry.ErrorCount += errors
	entry.TotalResponseTimeMs += totalResponseTimeMs
	c.mu.Unlock()
}

// RecordEphemeralWorker records one one-shot worker under its pool key.
// Document and API requests start a new session: the session counters reset
// before the sample is recorded. Cumulative counters always accrue.
func (c *Collector) RecordEphemeralWorker(key string, durationMs float64, isDocumentRequest, isAPIRequest bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	entry, ok := c.ephemeral[key]
	if !ok {
		entry = &EphemeralEntry{}
		c.ephemeral[key] = entry
	}
	if isDocumentRequest || isAPIRequest {
		entry.SessionCount = 0
		entry.SessionTotalMs = 0
		entry.LastSessionResetAt = time.Now().UTC().Format(time.RFC3339)
	}
	entry.SessionCount++
	entry.SessionTotalMs += durationMs
	entry.CumulativeCount++
	entry.CumulativeTotalMs += durationMs
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all metrics.
// activeWorkers is supplied by the pool, which owns the live entry map.
func (c *Collector) Snapshot(activeWorkers int) Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.responseSeen
	if count > ResponseTimeSlots {
		count = ResponseTimeSlots
	}
	var sum float64
	for i := int64(0); i < count; i++ {
		sum += c.responseTimes[i]
	}
	var avg float64
	if count > 0 {
		avg = round2(sum / float64(count))
	}

	uptime := time.Since(c.startedAt)
	var rps float64
	if uptime > 0 {
		rps = round2(float64(c.totalRequests) / uptime.Seconds())
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	historical := make(map[string]HistoricalEntry, len(c.historical))
	for k, v := range c.historical {
		historical[k] = *v
	}
	ephemeral := make(map[string]EphemeralEntry, len(c.ephemeral))
	for k, v := range c.ephemeral {
		ephemeral[k] = *v
	}

	return Snapshot{
		WorkersCreated: c.workersCreated,
		WorkersRetired: c.workersRetired,
		WorkersFailed:  c.workersFailed,
		Evictions:      c.evictions,
		Hits:           c.hits,
		Misses:         c.misses,
		TotalRequests:  c.totalRequests,

		ActiveWorkers:     activeWorkers,
		AvgResponseTimeMs: avg,
		RequestsPerSecond: rps,
		UptimeMs:          uptime.Milliseconds(),
		MemoryUsageMB:     round2(float64(memStats.HeapAlloc) / (1024 * 1024)),

		Historical: historical,
		Ephemeral:  ephemeral,
	}
}

// Reset clears all counters and restarts the uptime clock.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workersCreated = 0
	c.workersRetired = 0
	c.workersFailed = 0
	c.evictions = 0
	c.hits = 0
	c.misses = 0
	c.totalRequests = 0
	c.responseTimes = [ResponseTimeSlots]float64{}
	c.responseIdx = 0
	c.responseSeen = 0
	c.historical = make(map[string]*HistoricalEntry)
	c.ephemeral = make(map[string]*EphemeralEntry)
	c.startedAt = time.Now()
	c.mu.Unlock()
}

// round2 rounds to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
