// Package fallbackqueue implements the filesystem-backed priority FIFO used
// when the broker is unreachable. It is adapted from the teacher's
// DegradedMode bounded local-cache pattern (resilience/degraded_mode.go):
// where DegradedMode buffers writes in memory with a version for later
// reconciliation, FallbackQueue buffers whole jobs on disk, ordered so
// draining naturally recovers priority-then-FIFO order.
package fallbackqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fluxforge/queuemanager/internal/priority"
	"github.com/fluxforge/queuemanager/internal/task"
)

// Queue is a single-draining-actor, file-backed ordered store rooted at
// Dir. Each job is one file named "{NNN}-{epochMs}-{taskId}.json" so that
// lexicographic directory listing sorts by scheduling key first (priority)
// and enqueue timestamp second (FIFO tie-break).
type Queue struct {
	dir      string
	mu       sync.Mutex // serializes drain(); a single draining actor at a time
	initOnce sync.Once
	initErr  error
}

// New returns a Queue rooted at dir. The directory is created lazily on
// first use, not here.
func New(dir string) *Queue {
	return &Queue{dir: dir}
}

func (q *Queue) ensureDir() error {
	q.initOnce.Do(func() {
		q.initErr = os.MkdirAll(q.dir, 0o755)
	})
	return q.initErr
}

func fileName(key int, epochMs int64, taskID string) string {
	return fmt.Sprintf("%03d-%d-%s.json", key, epochMs, taskID)
}

// Enqueue writes data as a single job file, deriving its scheduling key
// from data.Priority via the C1 priority map.
func (q *Queue) Enqueue(data task.QueueJobData) error {
	if err := q.ensureDir(); err != nil {
		return fmt.Errorf("fallbackqueue: create dir: %w", err)
	}

	key := priority.ToQueueKey(data.Priority)
	epochMs := data.EnqueuedAt.UnixMilli()
	name := fileName(key, epochMs, data.TaskID)

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("fallbackqueue: marshal job: %w", err)
	}

	path := filepath.Join(q.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("fallbackqueue: write job file: %w", err)
	}
	return os.Rename(tmp, path)
}

// entry pairs a parsed job with the file it came from, for unlinking after
// a successful read.
type entry struct {
	path string
	data task.QueueJobData
}

func (q *Queue) listJSONFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(q.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func hasRequiredFields(raw map[string]json.RawMessage) bool {
	for _, f := range []string{"taskId", "skill", "priority"} {
		v, ok := raw[f]
		if !ok {
			return false
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil || s == "" {
			return false
		}
	}
	return true
}

// Drain reads all *.json entries in lexicographic (priority-then-time)
// order, returning successfully-parsed jobs and unlinking their files.
// Any file missing {taskId, skill, priority} or failing to parse is left
// on disk for manual inspection and skipped.
func (q *Queue) Drain() ([]task.QueueJobData, error) {
	if err := q.ensureDir(); err != nil {
		return nil, fmt.Errorf("fallbackqueue: create dir: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.listJSONFiles()
	if err != nil {
		return nil, fmt.Errorf("fallbackqueue: list entries: %w", err)
	}

	var out []task.QueueJobData
	for _, path := range files {
		body, err := os.ReadFile(path)
		if err != nil {
			continue // left on disk; transient read error
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil || !hasRequiredFields(raw) {
			continue
		}

		var data task.QueueJobData
		if err := json.Unmarshal(body, &data); err != nil {
			continue
		}

		if err := os.Remove(path); err != nil {
			continue
		}
		out = append(out, data)
	}
	return out, nil
}

// Requeue re-enqueues jobs in the given order, used to put drained-but-
// unsubmittable jobs back onto disk. Enqueue names each file from the job's
// own EnqueuedAt, so a requeued job gets its original file name back and
// keeps its original position in drain order.
func (q *Queue) Requeue(jobs []task.QueueJobData) error {
	for _, j := range jobs {
		if err := q.Enqueue(j); err != nil {
			return err
		}
	}
	return nil
}

// Peek returns the number of *.json entries currently on disk without
// consuming them.
func (q *Queue) Peek() (int, error) {
	if err := q.ensureDir(); err != nil {
		return 0, fmt.Errorf("fallbackqueue: create dir: %w", err)
	}
	files, err := q.listJSONFiles()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// IsEmpty derives from Peek.
func (q *Queue) IsEmpty() (bool, error) {
	n, err := q.Peek()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Dir returns the root directory, for diagnostics and tests.
func (q *Queue) Dir() string { return q.dir }
