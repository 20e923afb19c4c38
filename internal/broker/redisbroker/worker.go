package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxforge/queuemanager/internal/broker"
	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/observability"
	"github.com/fluxforge/queuemanager/internal/priority"
	"github.com/fluxforge/queuemanager/internal/queueerr"
)

func priorityKeyOf(rec *jobRecord) int { return priority.ToQueueKey(rec.Data.Priority) }

// Worker implements broker.Worker: a small pool of poller goroutines
// popping the lowest-score (most-urgent) ready job, dispatching it to the
// registered handler, and routing the outcome to completed/failed
// listeners plus the backoff/dead-letter bookkeeping §4.4 and §7
// describe. It is grounded in the teacher's ticker-loop shape
// (coordination.AgentMonitor / LockJanitor) generalized from scan-and-
// clean to pop-and-dispatch, since the teacher has no direct pub/sub
// consumer analog to adapt.
type Worker struct {
	conn    *Connection
	queue   *Queue
	name    string
	log     *logging.Logger
	handler broker.EventHandler

	concurrency  int
	pollInterval time.Duration

	mu       sync.Mutex
	handlers map[string][]func(job broker.JobHandle, payload any)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic32
}

// atomic32 is a tiny bool-ish flag; kept local to avoid importing
// sync/atomic's typed wrappers just for one flag.
type atomic32 struct {
	mu sync.RWMutex
	v  bool
}

func (a *atomic32) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomic32) get() bool  { a.mu.RLock(); defer a.mu.RUnlock(); return a.v }

// NewWorker returns a Worker bound to queue, dispatching up to
// concurrency jobs at a time.
func NewWorker(conn *Connection, q *Queue, queueName string, concurrency int, log *logging.Logger) *Worker {
	return &Worker{
		conn:         conn,
		queue:        q,
		name:         queueName,
		log:          log,
		concurrency:  concurrency,
		pollInterval: 250 * time.Millisecond,
		handlers:     make(map[string][]func(job broker.JobHandle, payload any)),
	}
}

// On registers a handler for "completed" or "failed" events.
func (w *Worker) On(event string, handler func(job broker.JobHandle, payload any)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[event] = append(w.handlers[event], handler)
}

func (w *Worker) emit(event string, job broker.JobHandle, payload any) {
	w.mu.Lock()
	hs := append([]func(broker.JobHandle, any){}, w.handlers[event]...)
	w.mu.Unlock()
	for _, h := range hs {
		h(job, payload)
	}
}

// Start launches concurrency poller goroutines plus a delayed-retry
// promoter, dispatching delivered jobs to handler. It blocks only long
// enough to spin up goroutines.
func (w *Worker) Start(ctx context.Context, handler broker.EventHandler) {
	w.handler = handler
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running.set(true)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.pollLoop(ctx)
	}
	w.wg.Add(1)
	go w.promoteDelayedLoop(ctx)
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.isPaused(ctx) {
			time.Sleep(w.pollInterval)
			continue
		}

		res, err := w.conn.Client().BZPopMin(ctx, w.pollInterval, readyKey(w.name)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Warnf("poll error: %v", err)
			time.Sleep(w.pollInterval)
			continue
		}

		id, ok := res.Member.(string)
		if !ok {
			continue
		}
		w.dispatch(context.WithoutCancel(ctx), id)
	}
}

func (w *Worker) isPaused(ctx context.Context) bool {
	return w.queue.IsPaused(ctx)
}

func (w *Worker) dispatch(ctx context.Context, id string) {
	w.conn.Client().SAdd(ctx, activeKey(w.name), id)
	defer w.conn.Client().SRem(ctx, activeKey(w.name), id)

	rec, err := w.queue.readRecord(ctx, id)
	if err != nil || rec == nil {
		w.log.Errorf("dispatch: job %s vanished before read: %v", id, err)
		return
	}

	job := broker.JobHandle{Data: rec.Data, ID: id, AttemptsMade: rec.AttemptsMade}
	outcome, runErr := w.handler(ctx, job)

	if runErr == nil {
		w.handleSuccess(ctx, id, job, outcome)
		return
	}
	w.handleFailure(ctx, id, rec, job, outcome, runErr)
}

func (w *Worker) handleSuccess(ctx context.Context, id string, job broker.JobHandle, outcome broker.ProcessOutcome) {
	pipe := w.conn.Client().TxPipeline()
	pipe.Expire(ctx, jobKey(w.name, id), time.Hour)
	pipe.LPush(ctx, completedKey(w.name), id)
	pipe.LTrim(ctx, completedKey(w.name), 0, 99) // removeOnComplete.count = 100
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warnf("post-success bookkeeping failed for %s: %v", id, err)
	}
	observability.QueueDepth.WithLabelValues(string(job.Data.Priority)).Dec()
	w.emit("completed", job, outcome)
}

func completedKey(queue string) string { return keyPrefix + ":" + queue + ":completed" }

func (w *Worker) handleFailure(ctx context.Context, id string, rec *jobRecord, job broker.JobHandle, outcome broker.ProcessOutcome, runErr error) {
	var deferErr *queueerr.BudgetDeferralError
	var pauseErr *queueerr.CascadePauseError

	switch {
	case errors.As(runErr, &deferErr):
		// Back-pressure: reschedule without counting against max attempts.
		w.scheduleRetry(ctx, id, rec, rec.BackoffInitialMs)
		return

	case errors.As(runErr, &pauseErr):
		// Pipeline paused: surface straight to dead-letter.
		w.markFailed(ctx, id, rec, runErr.Error())
		observability.QueueDepth.WithLabelValues(string(job.Data.Priority)).Dec()
		w.emit("failed", job, []byte(runErr.Error()))
		return

	default:
		rec.AttemptsMade++
		if rec.AttemptsMade < rec.MaxAttempts {
			delay := rec.BackoffInitialMs
			if rec.BackoffExponential {
				delay = rec.BackoffInitialMs << uint(rec.AttemptsMade-1)
			}
			w.persistAttempt(ctx, id, rec)
			w.scheduleRetry(ctx, id, rec, delay)
			return
		}
		w.persistAttempt(ctx, id, rec)
		w.markFailed(ctx, id, rec, runErr.Error())
		observability.QueueDepth.WithLabelValues(string(job.Data.Priority)).Dec()
		w.emit("failed", job, []byte(runErr.Error()))
	}
}

func (w *Worker) persistAttempt(ctx context.Context, id string, rec *jobRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		w.log.Errorf("marshal job record %s: %v", id, err)
		return
	}
	if err := w.conn.Client().Set(ctx, jobKey(w.name, id), body, 0).Err(); err != nil {
		w.log.Errorf("persist attempt for job %s: %v", id, err)
	}
}

func (w *Worker) scheduleRetry(ctx context.Context, id string, rec *jobRecord, delayMs int64) {
	readyAt := time.Now().Add(time.Duration(delayMs) * time.Millisecond).UnixMilli()
	if err := w.conn.Client().ZAdd(ctx, delayedKey(w.name), redis.Z{Score: float64(readyAt), Member: id}).Err(); err != nil {
		w.log.Errorf("schedule retry for job %s: %v", id, err)
	}
	_ = rec
}

func (w *Worker) markFailed(ctx context.Context, id string, rec *jobRecord, lastError string) {
	now := time.Now()
	rec.LastError = lastError
	rec.FailedAt = &now
	body, err := json.Marshal(rec)
	if err != nil {
		w.log.Errorf("marshal failed job record %s: %v", id, err)
		return
	}
	pipe := w.conn.Client().TxPipeline()
	pipe.Set(ctx, jobKey(w.name, id), body, 0)
	pipe.SAdd(ctx, failedKey(w.name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Errorf("mark failed for job %s: %v", id, err)
	}
}

// promoteDelayedLoop moves delayed jobs whose ready time has passed back
// onto the ready ZSET, at the job's original priority score.
func (w *Worker) promoteDelayedLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.promoteDue(ctx)
		}
	}
}

func (w *Worker) promoteDue(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	ids, err := w.conn.Client().ZRangeByScore(ctx, delayedKey(w.name), &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatFloat(now, 'f', -1, 64)}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		rec, err := w.queue.readRecord(ctx, id)
		if err != nil || rec == nil {
			w.conn.Client().ZRem(ctx, delayedKey(w.name), id)
			continue
		}
		seq, err := w.conn.Client().Incr(ctx, seqKey(w.name)).Result()
		if err != nil {
			continue
		}
		score := computeScore(priorityKeyOf(rec), seq)
		pipe := w.conn.Client().TxPipeline()
		pipe.ZRem(ctx, delayedKey(w.name), id)
		pipe.ZAdd(ctx, readyKey(w.name), redis.Z{Score: score, Member: id})
		pipe.Exec(ctx)
	}
}

// Close stops all poller goroutines and waits for them to exit. In-flight
// dispatches are not interrupted — they run to completion and deliver
// their completed/failed event as usual.
func (w *Worker) Close(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.running.set(false)
	return nil
}

// Pause sets the broker-visible paused flag; poller goroutines keep
// running but stop popping new jobs.
func (w *Worker) Pause(ctx context.Context) error {
	return w.queue.Pause(ctx)
}

// Resume clears the paused flag.
func (w *Worker) Resume(ctx context.Context) error {
	return w.queue.Resume(ctx)
}

// IsRunning reports whether Start has been called and Close has not.
func (w *Worker) IsRunning() bool {
	return w.running.get()
}
