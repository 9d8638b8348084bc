package engine

import (
	"context"
	"time"
)

// Config controls the delivery engine.
type Config struct {
	Enabled bool
	// Workers is the number of shards. Jobs with the same Key always run on
	// the same worker, one at a time, in enqueue order.
	Workers int
	// QueueSize is the per-worker queue capacity.
	QueueSize int

	// Timeout, when > 0, bounds the context handed to each job. The engine
	// does not interrupt a job that ignores its context.
	Timeout time.Duration

	// MaxQueueDelay drops jobs that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

// Job is one unit of work.
type Job struct {
	ID string
	// Key selects the worker shard; per-key order is preserved.
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string
	Key        string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	Key        string        `json:"key"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Bus event types published by the engine.
const (
	EventJobFailed   = "delivery.failed"
	EventJobFinished = "delivery.finished"
)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Processed        uint64
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	MaxQueueDelay time.Duration
	History       []HistoryItem
}
