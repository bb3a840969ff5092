package pool

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/buntime/adapter"
	"github.com/pithecene-io/buntime/config"
	"github.com/pithecene-io/buntime/ipc"
	"github.com/pithecene-io/buntime/log"
	"github.com/pithecene-io/buntime/metrics"
)

// Defaults for PoolOptions.
const (
	DefaultMaxPoolSize   = 16
	DefaultSweepInterval = 10 * time.Second
	DefaultWorkerBinary  = "buntime-worker"
)

// Options configures a Pool. There is no process-wide default pool; callers
// construct one explicitly and pass it down.
type Options struct {
	// MaxPoolSize bounds the total live worker instances (global cap).
	MaxPoolSize int
	// SweepInterval is the background health sweep period.
	SweepInterval time.Duration
	// WorkerBinary is the stock child binary for declarative entrypoints.
	WorkerBinary string
	// Logger receives pool and instance logs. Required.
	Logger *log.Logger
	// Metrics receives pool counters. Optional; nil disables recording.
	Metrics *metrics.Collector
	// Events receives worker lifecycle events. Optional.
	Events adapter.Publisher
}

// entry is one slot in the keyed cache. A freshly inserted entry is pending:
// instance is nil until ready closes, at which point exactly one of instance
// or err is set. Concurrent fetches for the same key wait on ready instead of
// spawning a duplicate worker.
type entry struct {
	key      string
	appDir   string
	ready    chan struct{}
	instance *Instance
	err      error
}

// Pool is the keyed cache of live worker instances.
type Pool struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Pool and starts its background sweep.
func New(opts Options) *Pool {
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = DefaultMaxPoolSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.WorkerBinary == "" {
		opts.WorkerBinary = DefaultWorkerBinary
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}

	p := &Pool{
		opts:      opts,
		entries:   make(map[string]*entry),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Key derives the pool key for an app directory and its resolved config.
// Identical resolved configs share a worker; any config change produces a
// new key.
func Key(appDir string, cfg *config.WorkerConfig) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", appDir, cfg.Entrypoint, cfg.Digest())
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Metrics returns the pool's collector.
func (p *Pool) Metrics() *metrics.Collector {
	return p.opts.Metrics
}

// Size returns the number of live entries (pending creations included).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns the pool metrics snapshot with the live worker count.
func (p *Pool) Snapshot() metrics.Snapshot {
	return p.opts.Metrics.Snapshot(p.Size())
}

// WorkerStats returns per-key stats for all live instances.
func (p *Pool) WorkerStats() map[string]WorkerStats {
	p.mu.Lock()
	live := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.instance != nil {
			live = append(live, e)
		}
	}
	p.mu.Unlock()

	stats := make(map[string]WorkerStats, len(live))
	for _, e := range live {
		stats[e.key] = e.instance.Stats()
	}
	return stats
}

// Fetch dispatches one request to the worker for (appDir, cfg), creating or
// replacing the worker as needed. Ephemeral configs get a fresh one-shot
// instance per request and are never cached.
func (p *Pool) Fetch(ctx context.Context, appDir string, cfg *config.WorkerConfig, req *ipc.Request) (*ipc.Response, error) {
	key := Key(appDir, cfg)

	if cfg.Ephemeral() {
		return p.fetchEphemeral(ctx, key, appDir, cfg, req)
	}

	for {
		inst, created, err := p.acquire(ctx, key, appDir, cfg)
		if err != nil {
			return nil, err
		}
		if !created && !inst.Healthy() {
			// Entry went unhealthy between ready and dispatch; retire it and
			// take another lap.
			p.retireEntry(key, inst)
			continue
		}
		return p.dispatch(ctx, key, inst, req)
	}
}

// acquire returns a live instance for the key, spawning one with in-flight
// creation dedup. created is true when this call performed the spawn.
func (p *Pool) acquire(ctx context.Context, key, appDir string, cfg *config.WorkerConfig) (*Instance, bool, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, ErrPoolClosed
		}

		e, ok := p.entries[key]
		if !ok {
			e = &entry{key: key, appDir: appDir, ready: make(chan struct{})}
			victim := p.evictForCapacityLocked()
			p.entries[key] = e
			p.mu.Unlock()

			// Retirement writes to the victim's pipe; it runs outside the
			// pool lock.
			if victim != nil {
				p.opts.Metrics.RecordEviction()
				p.opts.Logger.Info("worker evicted", map[string]any{
					"key":       victim.key,
					"worker_id": victim.instance.ID,
				})
				p.retire(victim.key, victim.appDir, victim.instance)
			}

			p.opts.Metrics.RecordMiss()
			inst, err := p.create(e, appDir, cfg)
			return inst, true, err
		}
		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}

		if e.err != nil {
			// Creation failed; the creator already removed the entry. Waiters
			// surface the same spawn error rather than retrying.
			return nil, false, e.err
		}

		if e.instance.Healthy() {
			p.opts.Metrics.RecordHit()
			return e.instance, false, nil
		}

		// Unhealthy entry: retire it and loop to create a replacement.
		p.retireEntry(key, e.instance)
	}
}

// create spawns the worker for a pending entry and resolves its barrier.
func (p *Pool) create(e *entry, appDir string, cfg *config.WorkerConfig) (*Instance, error) {
	inst, err := NewInstance(InstanceOptions{
		AppDir:       appDir,
		Config:       cfg,
		WorkerBinary: p.opts.WorkerBinary,
		Logger:       p.opts.Logger,
	})
	if err != nil {
		p.mu.Lock()
		e.err = err
		if p.entries[e.key] == e {
			delete(p.entries, e.key)
		}
		p.mu.Unlock()
		close(e.ready)

		p.opts.Metrics.RecordWorkerFailed()
		p.publish(&adapter.WorkerEvent{
			EventType: adapter.EventWorkerFailed,
			Key:       e.key,
			AppDir:    appDir,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return nil, err
	}

	p.mu.Lock()
	e.instance = inst
	p.mu.Unlock()
	close(e.ready)

	p.opts.Metrics.RecordWorkerCreated()
	p.opts.Logger.Info("worker created", map[string]any{
		"key":       e.key,
		"worker_id": inst.ID,
		"app_dir":   appDir,
	})
	p.publish(&adapter.WorkerEvent{
		EventType: adapter.EventWorkerCreated,
		Key:       e.key,
		WorkerID:  inst.ID,
		AppDir:    appDir,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return inst, nil
}

// evictForCapacityLocked makes room for one new entry when the pool is at
// capacity by unlinking the least-recently-used live entry. Pending entries
// are never evicted. Callers hold p.mu and retire the returned victim after
// releasing it.
func (p *Pool) evictForCapacityLocked() *entry {
	if len(p.entries) < p.opts.MaxPoolSize {
		return nil
	}

	var lru *entry
	for _, e := range p.entries {
		if e.instance == nil {
			continue
		}
		if lru == nil || e.instance.LastUsed().Before(lru.instance.LastUsed()) {
			lru = e
		}
	}
	if lru == nil {
		return nil
	}

	delete(p.entries, lru.key)
	return lru
}

// dispatch sends the request to the instance and records metrics; a
// post-response health check retires the instance when a limit tripped.
func (p *Pool) dispatch(ctx context.Context, key string, inst *Instance, req *ipc.Request) (*ipc.Response, error) {
	start := time.Now()
	res, err := inst.Fetch(ctx, req)
	durationMs := float64(time.Since(start).Microseconds()) / 1000

	if err == nil {
		p.opts.Metrics.RecordRequest(durationMs)
		inst.RecordResponseTime(durationMs)
	}

	if !inst.Healthy() {
		p.retireEntry(key, inst)
	}
	return res, err
}

// fetchEphemeral runs one request through a fresh one-shot instance.
// Ephemeral workers are never stored in the cache; their metrics aggregate
// per key in the collector's ephemeral map.
func (p *Pool) fetchEphemeral(ctx context.Context, key, appDir string, cfg *config.WorkerConfig, req *ipc.Request) (*ipc.Response, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	p.opts.Metrics.RecordMiss()

	inst, err := NewInstance(InstanceOptions{
		AppDir:       appDir,
		Config:       cfg,
		WorkerBinary: p.opts.WorkerBinary,
		Logger:       p.opts.Logger,
	})
	if err != nil {
		p.opts.Metrics.RecordWorkerFailed()
		p.publish(&adapter.WorkerEvent{
			EventType: adapter.EventWorkerFailed,
			Key:       key,
			AppDir:    appDir,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return nil, err
	}
	p.opts.Metrics.RecordWorkerCreated()

	start := time.Now()
	res, ferr := inst.Fetch(ctx, req)
	durationMs := float64(time.Since(start).Microseconds()) / 1000

	if ferr == nil {
		p.opts.Metrics.RecordRequest(durationMs)
		inst.RecordResponseTime(durationMs)
	}
	p.opts.Metrics.RecordEphemeralWorker(key, durationMs,
		isDocumentRequest(req), isAPIRequest(req))

	// One-shot: the instance self-terminates after its reply, but make sure
	// the child is reaped even on error paths.
	stats := inst.Stats()
	p.opts.Metrics.RecordWorkerRetired()
	p.opts.Metrics.AccumulateWorkerStats(key, stats.RequestCount, stats.ErrorCount, stats.TotalResponseTimeMs)
	go inst.Terminate()

	return res, ferr
}

// retireEntry removes the key's entry when it still maps to inst, then
// retires the instance.
func (p *Pool) retireEntry(key string, inst *Instance) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok && e.instance == inst {
		delete(p.entries, key)
	}
	appDir := inst.appDir
	p.mu.Unlock()

	p.retire(key, appDir, inst)
}

// retire accumulates the instance's stats into the historical metrics and
// terminates it asynchronously.
func (p *Pool) retire(key, appDir string, inst *Instance) {
	stats := inst.Stats()
	p.opts.Metrics.AccumulateWorkerStats(key, stats.RequestCount, stats.ErrorCount, stats.TotalResponseTimeMs)
	p.opts.Metrics.RecordWorkerRetired()

	p.opts.Logger.Info("worker retired", map[string]any{
		"key":           key,
		"worker_id":     inst.ID,
		"request_count": stats.RequestCount,
		"error_count":   stats.ErrorCount,
	})
	p.publish(&adapter.WorkerEvent{
		EventType:    adapter.EventWorkerRetired,
		Key:          key,
		WorkerID:     inst.ID,
		AppDir:       appDir,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		RequestCount: stats.RequestCount,
		ErrorCount:   stats.ErrorCount,
		UptimeMs:     stats.AgeMs,
		AvgTimeMs:    stats.AvgResponseTimeMs,
	})

	go inst.Terminate()
}

// publish sends a lifecycle event best-effort off the request path.
func (p *Pool) publish(event *adapter.WorkerEvent) {
	if p.opts.Events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.opts.Events.Publish(ctx, event); err != nil {
			p.opts.Logger.Warn("lifecycle event publish failed", map[string]any{
				"event_type": event.EventType,
				"error":      err.Error(),
			})
		}
	}()
}

// sweepLoop periodically retires entries that became unhealthy while idle
// and drives the idle signal for entries crossing the idle threshold.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep walks live entries once.
func (p *Pool) sweep() {
	p.mu.Lock()
	live := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.instance != nil {
			live = append(live, e)
		}
	}
	p.mu.Unlock()

	for _, e := range live {
		// Status latches the one-shot IDLE signal on the idle transition.
		e.instance.Status()
		if !e.instance.Healthy() {
			p.retireEntry(e.key, e.instance)
		}
	}
}

// Shutdown stops admission, snapshots metrics and terminates all instances
// concurrently with the short grace.
func (p *Pool) Shutdown(ctx context.Context) metrics.Snapshot {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.opts.Metrics.Snapshot(0)
	}
	p.closed = true
	remaining := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		remaining = append(remaining, e)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	snap := p.opts.Metrics.Snapshot(len(remaining))

	var wg sync.WaitGroup
	for _, e := range remaining {
		if e.instance == nil {
			continue
		}
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			inst.Terminate()
		}(e.instance)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	p.opts.Logger.Info("pool shut down", map[string]any{
		"workers_created": snap.WorkersCreated,
		"workers_retired": snap.WorkersRetired,
		"total_requests":  snap.TotalRequests,
	})
	return snap
}

// isDocumentRequest reports whether the request negotiates an HTML document.
func isDocumentRequest(req *ipc.Request) bool {
	accept := headerValue(req.Headers, "accept")
	return strings.Contains(accept, "text/html")
}

// isAPIRequest reports whether the request targets an API path.
func isAPIRequest(req *ipc.Request) bool {
	return strings.HasPrefix(req.URL, "/api/") || strings.HasPrefix(req.URL, "/api?") || req.URL == "/api"
}

// headerValue does a case-insensitive single-header lookup.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
