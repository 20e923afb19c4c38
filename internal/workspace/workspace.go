// Package workspace declares the persistence contract the core consumes
// but does not own: task storage, output artifacts and learnings are all
// external collaborators per spec.md §6. Only the interface lives here;
// see fsworkspace for a concrete filesystem-backed implementation used by
// tests and the demo binary.
package workspace

import (
	"context"

	"github.com/fluxforge/queuemanager/internal/task"
)

// Learning is an append-only note the queue manager and router record
// about notable events (failures, escalations, batch-enqueue rejections).
type Learning struct {
	TaskID  string         `json:"taskId,omitempty"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Review is one director review record attached to a task, as returned by
// ListReviews.
type Review struct {
	Verdict  string   `json:"verdict"`
	Findings []string `json:"findings,omitempty"`
}

// Workspace is the external persistence surface the core depends on.
type Workspace interface {
	ReadTask(ctx context.Context, id string) (*task.Task, error)
	WriteTask(ctx context.Context, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	ReadOutput(ctx context.Context, squad, skill, id string) ([]byte, error)
	WriteOutput(ctx context.Context, squad, skill, id string, content []byte) error
	AppendLearning(ctx context.Context, l Learning) error
	ListTasks(ctx context.Context) ([]*task.Task, error)
	ListReviews(ctx context.Context, id string) ([]Review, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
}
