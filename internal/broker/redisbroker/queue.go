package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxforge/queuemanager/internal/broker"
	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/observability"
	"github.com/fluxforge/queuemanager/internal/priority"
	"github.com/fluxforge/queuemanager/internal/task"
)

// jobRecord is the hash body stored at jobKey.
type jobRecord struct {
	Data               task.QueueJobData `json:"data"`
	AttemptsMade       int               `json:"attemptsMade"`
	MaxAttempts        int               `json:"maxAttempts"`
	BackoffInitialMs   int64             `json:"backoffInitialMs"`
	BackoffExponential bool              `json:"backoffExponential"`
	LastError          string            `json:"lastError,omitempty"`
	FailedAt           *time.Time        `json:"failedAt,omitempty"`
}

// scoreSeqScale controls the fractional digits reserved for the FIFO
// tie-break sequence within a priority's integer score band. 10 decimal
// digits comfortably outlasts any single priority band's job count before
// it would spill into the next band.
const scoreSeqScale = 1e10

func computeScore(priorityKey int, seq int64) float64 {
	return float64(priorityKey) + float64(seq%int64(scoreSeqScale))/scoreSeqScale
}

// Queue implements broker.Queue over a single Redis connection, scoped to
// one queue name.
type Queue struct {
	conn *Connection
	name string
	log  *logging.Logger
}

// NewQueue returns a Queue adapter bound to queueName on conn's client.
func NewQueue(conn *Connection, queueName string, log *logging.Logger) *Queue {
	return &Queue{conn: conn, name: queueName, log: log}
}

func (q *Queue) rdb() *redis.Client { return q.conn.Client() }

func timed(f func() error) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()
	return f()
}

// Add submits a job, deduplicating on JobID: if a job with this id already
// exists it is left untouched and the existing id is returned (at-least-
// once semantics rely on this for retries that re-submit the same task).
func (q *Queue) Add(ctx context.Context, name string, data task.QueueJobData, opts broker.AddOptions) (broker.AddResult, error) {
	if opts.JobID == "" {
		return broker.AddResult{}, errors.New("redisbroker: AddOptions.JobID is required for dedup")
	}

	key := jobKey(q.name, opts.JobID)

	var result broker.AddResult
	err := timed(func() error {
		exists, err := q.rdb().Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			result = broker.AddResult{ID: opts.JobID}
			return nil
		}

		rec := jobRecord{
			Data:               data,
			MaxAttempts:        opts.Attempts,
			BackoffInitialMs:   opts.Backoff.InitialDelayMs,
			BackoffExponential: opts.Backoff.Exponential,
		}
		body, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		seq, err := q.rdb().Incr(ctx, seqKey(q.name)).Result()
		if err != nil {
			return err
		}
		score := computeScore(opts.Priority, seq)

		pipe := q.rdb().TxPipeline()
		pipe.Set(ctx, key, body, 0)
		pipe.ZAdd(ctx, readyKey(q.name), redis.Z{Score: score, Member: opts.JobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		result = broker.AddResult{ID: opts.JobID}
		return nil
	})
	if err != nil {
		return broker.AddResult{}, fmt.Errorf("redisbroker: add job %s: %w", opts.JobID, err)
	}

	observability.QueueDepth.WithLabelValues(string(data.Priority)).Inc()
	return result, nil
}

// GetJobCounts returns current depth across the broker's sets.
func (q *Queue) GetJobCounts(ctx context.Context) (broker.JobCounts, error) {
	var counts broker.JobCounts
	err := timed(func() error {
		pipe := q.rdb().TxPipeline()
		readyCmd := pipe.ZCard(ctx, readyKey(q.name))
		delayedCmd := pipe.ZCard(ctx, delayedKey(q.name))
		failedCmd := pipe.SCard(ctx, failedKey(q.name))
		activeCmd := pipe.SCard(ctx, activeKey(q.name))
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return err
		}
		counts = broker.JobCounts{
			Waiting: int(readyCmd.Val()),
			Delayed: int(delayedCmd.Val()),
			Failed:  int(failedCmd.Val()),
			Active:  int(activeCmd.Val()),
		}
		return nil
	})
	if err != nil {
		return broker.JobCounts{}, fmt.Errorf("redisbroker: get job counts: %w", err)
	}
	return counts, nil
}

func (q *Queue) readRecord(ctx context.Context, id string) (*jobRecord, error) {
	body, err := q.rdb().Get(ctx, jobKey(q.name, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec jobRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetJob returns the job's current envelope and attempt count, or nil if
// unknown.
func (q *Queue) GetJob(ctx context.Context, id string) (*broker.JobView, error) {
	var view *broker.JobView
	err := timed(func() error {
		rec, err := q.readRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		view = &broker.JobView{Data: rec.Data, AttemptsMade: rec.AttemptsMade}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redisbroker: get job %s: %w", id, err)
	}
	return view, nil
}

// GetFailed lists failed jobs, each with a bound Retry that re-admits it
// to the ready set.
func (q *Queue) GetFailed(ctx context.Context, start, end int64) ([]broker.FailedJobView, error) {
	var out []broker.FailedJobView
	err := timed(func() error {
		ids, err := q.rdb().SMembers(ctx, failedKey(q.name)).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := q.readRecord(ctx, id)
			if err != nil || rec == nil {
				continue
			}
			id := id
			failedAt := time.Time{}
			if rec.FailedAt != nil {
				failedAt = *rec.FailedAt
			}
			out = append(out, broker.FailedJobView{
				Data:      rec.Data,
				FailedAt:  failedAt,
				Attempts:  rec.AttemptsMade,
				LastError: rec.LastError,
				Retry: func(ctx context.Context) error {
					return q.retry(ctx, id)
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redisbroker: get failed jobs: %w", err)
	}
	if start > 0 || end > 0 {
		out = sliceWindow(out, start, end)
	}
	return out, nil
}

func sliceWindow(jobs []broker.FailedJobView, start, end int64) []broker.FailedJobView {
	n := int64(len(jobs))
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > n {
		end = n
	}
	if start >= end {
		return nil
	}
	return jobs[start:end]
}

func (q *Queue) retry(ctx context.Context, id string) error {
	return timed(func() error {
		rec, err := q.readRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("job %s not found", id)
		}

		seq, err := q.rdb().Incr(ctx, seqKey(q.name)).Result()
		if err != nil {
			return err
		}
		score := computeScore(priority.ToQueueKey(rec.Data.Priority), seq)

		pipe := q.rdb().TxPipeline()
		pipe.SRem(ctx, failedKey(q.name), id)
		pipe.ZAdd(ctx, readyKey(q.name), redis.Z{Score: score, Member: id})
		_, err = pipe.Exec(ctx)
		return err
	})
}

// Obliterate removes every key belonging to this queue.
func (q *Queue) Obliterate(ctx context.Context) error {
	return timed(func() error {
		ids, err := q.rdb().ZRange(ctx, readyKey(q.name), 0, -1).Result()
		if err != nil {
			return err
		}
		failedIDs, err := q.rdb().SMembers(ctx, failedKey(q.name)).Result()
		if err != nil {
			return err
		}
		delayedIDs, err := q.rdb().ZRange(ctx, delayedKey(q.name), 0, -1).Result()
		if err != nil {
			return err
		}
		activeIDs, err := q.rdb().SMembers(ctx, activeKey(q.name)).Result()
		if err != nil {
			return err
		}
		completedIDs, err := q.rdb().LRange(ctx, completedKey(q.name), 0, -1).Result()
		if err != nil {
			return err
		}
		keys := []string{readyKey(q.name), delayedKey(q.name), failedKey(q.name), activeKey(q.name), pausedKey(q.name), seqKey(q.name), completedKey(q.name)}
		for _, group := range [][]string{ids, failedIDs, delayedIDs, activeIDs, completedIDs} {
			for _, id := range group {
				keys = append(keys, jobKey(q.name, id))
			}
		}
		return q.rdb().Del(ctx, keys...).Err()
	})
}

// Close closes the underlying Redis client.
func (q *Queue) Close(ctx context.Context) error {
	return q.conn.Quit(ctx)
}

// Pause sets the paused flag consulted by the worker adapter's poll loop.
func (q *Queue) Pause(ctx context.Context) error {
	return timed(func() error { return q.rdb().Set(ctx, pausedKey(q.name), "1", 0).Err() })
}

// Resume clears the paused flag.
func (q *Queue) Resume(ctx context.Context) error {
	return timed(func() error { return q.rdb().Del(ctx, pausedKey(q.name)).Err() })
}

// IsPaused reports the current paused flag, used by the worker poll loop.
func (q *Queue) IsPaused(ctx context.Context) bool {
	v, err := q.rdb().Get(ctx, pausedKey(q.name)).Result()
	if err != nil {
		return false
	}
	paused, _ := strconv.ParseBool(v)
	return paused
}
