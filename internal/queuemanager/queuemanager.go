// Package queuemanager implements the Queue Manager (C10): the top-level
// orchestrator wiring the budget gate, fallback queue, broker adapters, and
// worker processor together, and exposing enqueue, lifecycle, dead-letter,
// and health operations.
package queuemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxforge/queuemanager/internal/broker"
	"github.com/fluxforge/queuemanager/internal/budget"
	"github.com/fluxforge/queuemanager/internal/executor"
	"github.com/fluxforge/queuemanager/internal/failuretracker"
	"github.com/fluxforge/queuemanager/internal/fallbackqueue"
	"github.com/fluxforge/queuemanager/internal/health"
	"github.com/fluxforge/queuemanager/internal/history"
	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/observability"
	"github.com/fluxforge/queuemanager/internal/priority"
	"github.com/fluxforge/queuemanager/internal/task"
	"github.com/fluxforge/queuemanager/internal/worker"
	"github.com/fluxforge/queuemanager/internal/workspace"
)

// EnqueueOutcome is the caller-facing result of a single enqueue.
type EnqueueOutcome string

const (
	OutcomeEnqueued EnqueueOutcome = "enqueued"
	OutcomeDeferred EnqueueOutcome = "deferred"
	OutcomeFallback EnqueueOutcome = "fallback"
)

// RetryConfig configures the broker's per-job retry/backoff options.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelayMs int64
	Exponential    bool
}

// Config bundles the Queue Manager's own tunables (distinct from
// internal/config.Config, which also carries connection settings this
// package doesn't need to know about).
type Config struct {
	QueueName             string
	Retry                 RetryConfig
	HealthCheckInterval   time.Duration
	HealthCheckTimeout    time.Duration
	CascadeThreshold      int
}

// Manager is the Queue Manager. It owns the lifetime of the broker
// connection, queue, and worker adapters, plus the health-check timer.
// The failure tracker and fallback queue are process-wide singletons
// owned here.
type Manager struct {
	cfg Config
	log *logging.Logger

	gate      *budget.Gate
	budgetSrc worker.BudgetSource
	tracker   *failuretracker.Tracker
	fallback  *fallbackqueue.Queue
	ws        workspace.Workspace
	monitor   *health.Monitor

	conn      broker.Connection
	queue     broker.Queue
	wrk       broker.Worker
	processor *worker.Processor
	history   HistorySink

	mu          sync.Mutex
	started     bool
	cancelTimer context.CancelFunc
	tickRunning atomic.Bool
}

// New wires a Manager from its collaborators. processor must already be
// bound to the same gate/tracker/ws the Manager uses, so admission and
// cascade decisions stay consistent between enqueue-time and dispatch-time
// checks.
func New(
	cfg Config,
	log *logging.Logger,
	gate *budget.Gate,
	budgetSrc worker.BudgetSource,
	tracker *failuretracker.Tracker,
	fallback *fallbackqueue.Queue,
	ws workspace.Workspace,
	monitor *health.Monitor,
	conn broker.Connection,
	queue broker.Queue,
	wrk broker.Worker,
	processor *worker.Processor,
) *Manager {
	return &Manager{
		cfg: cfg, log: log, gate: gate, budgetSrc: budgetSrc, tracker: tracker,
		fallback: fallback, ws: ws, monitor: monitor,
		conn: conn, queue: queue, wrk: wrk, processor: processor,
	}
}

// HistorySink is the subset of *history.Store the Queue Manager needs to
// record execution outcomes. Satisfied by *history.Store; tests substitute
// a fake to avoid a live Postgres dependency.
type HistorySink interface {
	Record(ctx context.Context, e history.Entry) error
}

// UseHistory attaches a completed-job history sink. Optional: a Manager
// with no history sink still functions, it just doesn't record execution
// outcomes anywhere queryable.
func (m *Manager) UseHistory(h HistorySink) {
	m.history = h
}

// recordHistory appends one execution outcome, logging rather than failing
// the caller if the store is unavailable or the write errors — history is
// an optional side channel, not part of the critical path.
func (m *Manager) recordHistory(ctx context.Context, jobData task.QueueJobData, status executor.Status, durationMs int64, errorCode string) {
	if m.history == nil {
		return
	}
	entry := history.Entry{
		TaskID:      jobData.TaskID,
		Skill:       jobData.Skill,
		Priority:    jobData.Priority,
		Status:      status,
		ErrorCode:   errorCode,
		DurationMs:  durationMs,
		CompletedAt: time.Now(),
	}
	if err := m.history.Record(ctx, entry); err != nil {
		m.log.Warnf("history: record task %s: %v", jobData.TaskID, err)
	}
}

func (m *Manager) addOptions(priorityKey int, t *task.Task) broker.AddOptions {
	return broker.AddOptions{
		Priority: priorityKey,
		Attempts: m.cfg.Retry.MaxAttempts,
		Backoff: broker.Backoff{
			Exponential:    m.cfg.Retry.Exponential,
			InitialDelayMs: m.cfg.Retry.InitialDelayMs,
		},
		JobID:            t.ID,
		RemoveOnComplete: broker.RemoveOnComplete{Count: 100},
		RemoveOnFail:     false,
	}
}

// Enqueue submits a single task, applying the budget gate first.
func (m *Manager) Enqueue(ctx context.Context, t *task.Task) (EnqueueOutcome, error) {
	snap := m.budgetSrc.Snapshot()
	switch m.gate.Check(t, snap) {
	case budget.Block:
		if err := m.ws.UpdateTaskStatus(ctx, t.ID, task.StatusBlocked); err != nil {
			m.log.Warnf("enqueue: mark task %s blocked: %v", t.ID, err)
		}
		return OutcomeDeferred, nil

	case budget.Defer:
		if err := m.ws.UpdateTaskStatus(ctx, t.ID, task.StatusDeferred); err != nil {
			m.log.Warnf("enqueue: mark task %s deferred: %v", t.ID, err)
		}
		return OutcomeDeferred, nil
	}

	data := task.QueueJobData{
		TaskID: t.ID, Skill: t.To, Priority: t.Priority,
		GoalID: t.GoalID, PipelineID: t.PipelineID, EnqueuedAt: time.Now(),
	}
	opts := m.addOptions(priority.ToQueueKey(t.Priority), t)

	if _, err := m.queue.Add(ctx, m.cfg.QueueName, data, opts); err != nil {
		m.log.Warnf("enqueue: broker add failed for task %s, falling back: %v", t.ID, err)
		if fbErr := m.fallback.Enqueue(data); fbErr != nil {
			return "", fmt.Errorf("queuemanager: broker add failed (%w) and fallback enqueue also failed: %v", err, fbErr)
		}
		return OutcomeFallback, nil
	}
	return OutcomeEnqueued, nil
}

// BatchRejection records one task's enqueue failure within a batch.
type BatchRejection struct {
	TaskID string
	Cause  string
}

// EnqueueBatch applies Enqueue to each task with bounded concurrency,
// collecting failures without aborting the batch. maxConcurrency<=0 means
// unbounded.
func (m *Manager) EnqueueBatch(ctx context.Context, tasks []*task.Task, maxConcurrency int) []BatchRejection {
	if maxConcurrency <= 0 {
		maxConcurrency = len(tasks)
	}
	if maxConcurrency == 0 {
		return nil
	}

	sem := make(chan struct{}, maxConcurrency)
	var mu sync.Mutex
	var rejections []BatchRejection
	var wg sync.WaitGroup

	for _, t := range tasks {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := m.Enqueue(ctx, t)
			if err != nil {
				mu.Lock()
				rejections = append(rejections, BatchRejection{TaskID: t.ID, Cause: err.Error()})
				mu.Unlock()
				if lerr := m.ws.AppendLearning(ctx, workspace.Learning{
					TaskID: t.ID, Message: "batch enqueue rejected: " + err.Error(),
				}); lerr != nil {
					m.log.Warnf("batch enqueue: append learning for %s: %v", t.ID, lerr)
				}
				return
			}
			_ = outcome
		}()
	}
	wg.Wait()
	return rejections
}

// handleCompleted is bound to the worker adapter's "completed" event.
func (m *Manager) handleCompleted(job broker.JobHandle, payload any) {
	outcome, ok := payload.(broker.ProcessOutcome)
	if !ok {
		return
	}
	ctx := context.Background()

	var result executor.Result
	durationMs := int64(0)
	if err := json.Unmarshal(outcome.ExecutionResultJSON, &result); err == nil {
		durationMs = result.Metadata.DurationMs
	}
	m.recordHistory(ctx, job.Data, executor.StatusCompleted, durationMs, "")

	if outcome.RoutingAction.Type == task.ActionEnqueueTasks && len(outcome.RoutingAction.Tasks) > 0 {
		rejections := m.EnqueueBatch(ctx, outcome.RoutingAction.Tasks, 0)
		for _, r := range rejections {
			m.log.Warnf("completed-event re-enqueue rejected task %s: %s", r.TaskID, r.Cause)
		}
	}
}

// handleFailed is bound to the worker adapter's "failed" event.
func (m *Manager) handleFailed(job broker.JobHandle, payload any) {
	ctx := context.Background()
	taskID := job.Data.TaskID

	if err := m.ws.UpdateTaskStatus(ctx, taskID, task.StatusFailed); err != nil {
		m.log.Warnf("failed-event: mark task %s failed: %v", taskID, err)
		if lerr := m.ws.AppendLearning(ctx, workspace.Learning{
			TaskID: taskID, Message: "could not mark task failed: " + err.Error(),
		}); lerr != nil {
			m.log.Warnf("failed-event: append learning for %s: %v", taskID, lerr)
		}
	}

	m.tracker.RecordFailure(taskID, job.Data.PipelineID)

	paused := false
	if m.tracker.ShouldPauseForPipeline(job.Data.PipelineID) {
		paused = true
		if err := m.wrk.Pause(ctx); err != nil {
			m.log.Errorf("failed-event: pause worker after cascade threshold: %v", err)
		}
		observability.CascadePauses.Inc()
	}

	errMsg := ""
	if errPayload, ok := payload.([]byte); ok {
		errMsg = string(errPayload)
	}
	m.recordHistory(ctx, job.Data, executor.StatusFailed, 0, errMsg)

	if lerr := m.ws.AppendLearning(ctx, workspace.Learning{
		TaskID:  taskID,
		Message: "task failed",
		Meta: map[string]any{
			"error":           errMsg,
			"pipelinePaused":  paused,
			"skill":           job.Data.Skill,
		},
	}); lerr != nil {
		m.log.Warnf("failed-event: append learning for %s: %v", taskID, lerr)
	}
}

// Start is idempotent: wires worker event handlers, starts dispatch, starts
// the periodic health-check timer (clearing any prior one), and drains the
// fallback queue once.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}

	m.wrk.On("completed", m.handleCompleted)
	m.wrk.On("failed", m.handleFailed)
	m.wrk.Start(ctx, func(ctx context.Context, job broker.JobHandle) (broker.ProcessOutcome, error) {
		result, err := m.processor.Process(ctx, job)
		if err != nil {
			return broker.ProcessOutcome{}, err
		}
		resultJSON, err := json.Marshal(result.ExecutionResult)
		if err != nil {
			return broker.ProcessOutcome{}, err
		}
		return broker.ProcessOutcome{ExecutionResultJSON: resultJSON, RoutingAction: result.RoutingAction}, nil
	})

	timerCtx, cancel := context.WithCancel(ctx)
	m.cancelTimer = cancel
	go m.runHealthTimer(timerCtx)

	m.drainFallback(ctx)

	m.started = true
}

// Stop is idempotent: clears the timer, closes the worker, closes the
// queue.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
	if err := m.wrk.Close(ctx); err != nil {
		m.log.Warnf("stop: close worker: %v", err)
	}
	if err := m.queue.Close(ctx); err != nil {
		m.log.Warnf("stop: close queue: %v", err)
	}
	m.started = false
	return nil
}

// Pause pauses the worker, then the queue.
func (m *Manager) Pause(ctx context.Context) error {
	if err := m.wrk.Pause(ctx); err != nil {
		return fmt.Errorf("queuemanager: pause worker: %w", err)
	}
	return m.queue.Pause(ctx)
}

// Resume resumes the queue, then the worker — the reverse of Pause.
func (m *Manager) Resume(ctx context.Context) error {
	if err := m.queue.Resume(ctx); err != nil {
		return fmt.Errorf("queuemanager: resume queue: %w", err)
	}
	return m.wrk.Resume(ctx)
}

// runHealthTimer ticks at the configured interval, dropping any tick that
// would overlap with one still running.
func (m *Manager) runHealthTimer(ctx context.Context) {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.tickRunning.CompareAndSwap(false, true) {
				continue // a tick is still running; drop this one
			}
			func() {
				defer m.tickRunning.Store(false)
				m.drainFallback(ctx)
			}()
		}
	}
}

// drainFallback drains the fallback queue (if the broker is connected) and
// resubmits each job via the queue adapter. If a resubmission fails, the
// failed job and every remaining drained job are re-enqueued to the
// fallback queue in original order and the drain aborts — no job is ever
// dropped.
func (m *Manager) drainFallback(ctx context.Context) {
	if !m.conn.IsConnected() {
		return
	}
	jobs, err := m.fallback.Drain()
	if err != nil {
		m.log.Warnf("fallback drain: %v", err)
		return
	}
	for i, data := range jobs {
		opts := broker.AddOptions{
			Priority:         priority.ToQueueKey(data.Priority),
			Attempts:         m.cfg.Retry.MaxAttempts,
			Backoff:          broker.Backoff{Exponential: m.cfg.Retry.Exponential, InitialDelayMs: m.cfg.Retry.InitialDelayMs},
			JobID:            data.TaskID,
			RemoveOnComplete: broker.RemoveOnComplete{Count: 100},
		}
		if _, err := m.queue.Add(ctx, m.cfg.QueueName, data, opts); err != nil {
			m.log.Warnf("fallback drain: resubmit %s failed, reverting remainder to fallback: %v", data.TaskID, err)
			if reqErr := m.fallback.Requeue(jobs[i:]); reqErr != nil {
				m.log.Errorf("fallback drain: could not revert remaining jobs, data may be lost: %v", reqErr)
			}
			return
		}
	}
}

// HealthSnapshot is the synthesized snapshot Health returns, wrapping
// health.SystemHealth with the queue-specific counters spec.md §4.8 names.
type HealthSnapshot struct {
	health.SystemHealth
	DeadLetterCount int
}

// Health builds a full health snapshot: probes the broker connection, pulls
// job counts and failed jobs (each wrapped so a failure yields empty data
// and a degraded queue component), and runs every registered probe.
func (m *Manager) Health(ctx context.Context, activeAgents, maxParallelAgents int, b *budget.State) HealthSnapshot {
	counts, countsErr := m.queue.GetJobCounts(ctx)
	failed, failedErr := m.queue.GetFailed(ctx, 0, 0)

	queueDepth := counts.Waiting + counts.Delayed + counts.Prioritized
	deadLetterCount := len(failed)

	observability.FallbackQueueDepth.Set(float64(mustPeek(m.fallback)))
	observability.DeadLetterCount.Set(float64(deadLetterCount))

	m.monitor.Register("broker", func(ctx context.Context) health.ComponentHealth {
		if _, err := m.conn.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusOffline, LastCheckedAt: time.Now(), Details: map[string]any{"error": err.Error()}}
		}
		return health.ComponentHealth{Status: health.StatusHealthy, LastCheckedAt: time.Now()}
	})
	m.monitor.Register("queue", func(ctx context.Context) health.ComponentHealth {
		if countsErr != nil || failedErr != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, LastCheckedAt: time.Now()}
		}
		return health.ComponentHealth{Status: health.StatusHealthy, LastCheckedAt: time.Now()}
	})
	m.monitor.Register("worker", func(ctx context.Context) health.ComponentHealth {
		if m.wrk.IsRunning() {
			return health.ComponentHealth{Status: health.StatusHealthy, LastCheckedAt: time.Now()}
		}
		return health.ComponentHealth{Status: health.StatusOffline, LastCheckedAt: time.Now()}
	})

	sys := m.monitor.CheckHealth(ctx, activeAgents, maxParallelAgents, queueDepth, b)
	return HealthSnapshot{SystemHealth: sys, DeadLetterCount: deadLetterCount}
}

func mustPeek(q *fallbackqueue.Queue) int {
	n, err := q.Peek()
	if err != nil {
		return 0
	}
	return n
}

// GetDeadLetterEntries projects the broker's failed jobs into DeadLetterEntry.
func (m *Manager) GetDeadLetterEntries(ctx context.Context) ([]task.DeadLetterEntry, error) {
	failed, err := m.queue.GetFailed(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("queuemanager: get failed jobs: %w", err)
	}
	out := make([]task.DeadLetterEntry, 0, len(failed))
	for _, f := range failed {
		out = append(out, task.DeadLetterEntry{
			TaskID: f.Data.TaskID, Skill: f.Data.Skill, FailedAt: f.FailedAt,
			Attempts: f.Attempts, LastError: f.LastError, OriginalPriority: f.Data.Priority,
		})
	}
	return out, nil
}

// RetryDeadLetter scans failed jobs for taskID and invokes its Retry.
func (m *Manager) RetryDeadLetter(ctx context.Context, taskID string) error {
	failed, err := m.queue.GetFailed(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("queuemanager: get failed jobs: %w", err)
	}
	for _, f := range failed {
		if f.Data.TaskID == taskID {
			return f.Retry(ctx)
		}
	}
	return fmt.Errorf("queuemanager: dead-letter task %s not found", taskID)
}
