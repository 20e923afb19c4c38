// Package broker declares the three narrow capability interfaces the core
// depends on (spec.md §4.4): a connection health/lifecycle surface, a
// submit/inspect/retry surface, and a consumer-runtime surface. Each is
// designed to be satisfiable by the real broker (redisbroker) or by an
// in-memory test double, so the core is testable with no network.
package broker

import (
	"context"
	"time"

	"github.com/fluxforge/queuemanager/internal/task"
)

// Backoff configures exponential retry delay.
type Backoff struct {
	Exponential   bool
	InitialDelayMs int64
}

// RemoveOnComplete bounds retained completed-job history.
type RemoveOnComplete struct {
	Count int
}

// AddOptions mirrors spec.md §4.4's `add` options.
type AddOptions struct {
	Priority         int // numeric scheduling key from C1
	Attempts         int // max retries
	Backoff          Backoff
	JobID            string // task.id, enables broker-side dedup
	RemoveOnComplete RemoveOnComplete
	RemoveOnFail     bool
}

// AddResult is the broker's handle to a submitted job.
type AddResult struct {
	ID string
}

// JobCounts mirrors the broker's queue-depth snapshot. Any key may be
// absent/zero.
type JobCounts struct {
	Waiting    int
	Active     int
	Completed  int
	Failed     int
	Delayed    int
	Prioritized int
}

// JobView is what GetJob returns for a live job.
type JobView struct {
	Data         task.QueueJobData
	AttemptsMade int
}

// FailedJobView is one entry from GetFailed; Retry re-admits it to the
// ready set.
type FailedJobView struct {
	Data      task.QueueJobData
	FailedAt  time.Time
	Attempts  int
	LastError string
	Retry     func(ctx context.Context) error
}

// Connection abstracts the broker's control channel.
type Connection interface {
	// Ping returns an opaque liveness token on success.
	Ping(ctx context.Context) (string, error)
	// Quit closes gracefully, flushing in-flight commands.
	Quit(ctx context.Context) error
	// Disconnect closes immediately, abandoning in-flight commands.
	Disconnect() error
	// Status returns a short human-readable connection status string.
	Status() string
	// IsConnected is latched to the outcome of the last Ping call — it does
	// not itself probe the broker.
	IsConnected() bool
}

// Queue abstracts the broker's submit/inspect/retry surface for a single
// named queue.
type Queue interface {
	Add(ctx context.Context, name string, data task.QueueJobData, opts AddOptions) (AddResult, error)
	GetJobCounts(ctx context.Context) (JobCounts, error)
	GetJob(ctx context.Context, id string) (*JobView, error)
	GetFailed(ctx context.Context, start, end int64) ([]FailedJobView, error)
	Obliterate(ctx context.Context) error
	Close(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// JobHandle is what the Worker Processor receives for each delivered job.
type JobHandle struct {
	Data         task.QueueJobData
	ID           string
	AttemptsMade int
}

// EventHandler processes a delivered job and returns the worker result the
// broker should act on (ack / nack / retry scheduling).
type EventHandler func(ctx context.Context, job JobHandle) (ProcessOutcome, error)

// ProcessOutcome is what a completed worker event carries; a failed event
// carries the job's error text as a []byte instead.
type ProcessOutcome struct {
	ExecutionResultJSON []byte // opaque to the broker; forwarded to completed listeners
	RoutingAction       task.RoutingAction
}

// Worker abstracts the broker's consumer runtime.
type Worker interface {
	// On registers a handler for "completed" or "failed" events.
	On(event string, handler func(job JobHandle, payload any))
	// Start begins dispatching delivered jobs to handler. Implementations
	// return immediately once their internal goroutines are running.
	Start(ctx context.Context, handler EventHandler)
	Close(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsRunning() bool
}
