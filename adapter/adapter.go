// Package adapter defines the worker lifecycle event boundary.
//
// Adapters publish worker lifecycle notifications to downstream systems.
// The pool owns adapter lifecycle and publishes best-effort off the request
// path; users provide configuration only.
package adapter

import "context"

// Event types published by the pool.
const (
	EventWorkerCreated = "worker_created"
	EventWorkerRetired = "worker_retired"
	EventWorkerFailed  = "worker_failed"
)

// WorkerEvent is the payload published when a worker changes state.
type WorkerEvent struct {
	EventType    string  `json:"event_type"`
	Key          string  `json:"key"`
	WorkerID     string  `json:"worker_id,omitempty"`
	AppDir       string  `json:"app_dir"`
	Timestamp    string  `json:"timestamp"` // ISO 8601
	RequestCount int64   `json:"request_count,omitempty"`
	ErrorCount   int64   `json:"error_count,omitempty"`
	UptimeMs     int64   `json:"uptime_ms,omitempty"`
	AvgTimeMs    float64 `json:"avg_time_ms,omitempty"`
}

// Publisher publishes worker lifecycle events to a downstream system.
// Implementations must be safe for concurrent use.
type Publisher interface {
	// Publish sends a worker lifecycle event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *WorkerEvent) error

	// Close releases publisher resources.
	Close() error
}
