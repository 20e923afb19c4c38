// Package task defines the data model that flows through the queue: the
// symbolic Priority, the opaque Task the director hands to the queue, the
// envelope actually submitted to the broker, and the routing directives the
// Completion Router produces after execution.
package task

import "time"

// Priority is a closed set of symbolic urgency classes. P0 is the most
// urgent, P3 the least.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// Status is the mutable workspace status of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeferred  Status = "deferred"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusApproved  Status = "approved"
	StatusFailed    Status = "failed"
	StatusRevision  Status = "revision"
)

// NextType is the tag of the Next routing directive.
type NextType string

const (
	NextComplete          NextType = "complete"
	NextAgent             NextType = "agent"
	NextDirectorReview    NextType = "director_review"
	NextPipelineContinue  NextType = "pipeline_continue"
)

// Next is a tagged variant describing what should happen once a task's
// executor finishes successfully. Exactly one of Skill/PipelineID is
// meaningful, selected by Type.
type Next struct {
	Type       NextType `json:"type"`
	Skill      string   `json:"skill,omitempty"`      // set when Type == NextAgent
	PipelineID string   `json:"pipelineId,omitempty"` // set when Type == NextPipelineContinue
}

// Input describes one input artifact a task's executor should read.
type Input struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Output names where an executor should write its artifact.
type Output struct {
	Path string `json:"path"`
}

// Task is the unit of work the director emits and the queue schedules. All
// fields are immutable to the queue itself; mutation (status, revision
// count) happens through the Workspace.
type Task struct {
	ID            string         `json:"id"`
	To            string         `json:"to"`
	Priority      Priority       `json:"priority"`
	GoalID        *string        `json:"goalId,omitempty"`
	PipelineID    *string        `json:"pipelineId,omitempty"`
	Status        Status         `json:"status"`
	RevisionCount int            `json:"revisionCount"`
	Next          Next           `json:"next"`
	Output        Output         `json:"output"`
	Inputs        []Input        `json:"inputs,omitempty"`
	From          string         `json:"from,omitempty"`
	Goal          string         `json:"goal,omitempty"`
	Requirements  string         `json:"requirements,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	CreatedAt     time.Time      `json:"createdAt,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt,omitempty"`
}

// PipelineKey returns the pipeline correlation bucket for this task, or
// empty string when the task carries no pipeline id (the caller maps empty
// to the failure tracker's global sentinel).
func (t *Task) PipelineKey() string {
	if t.PipelineID == nil {
		return ""
	}
	return *t.PipelineID
}

// QueueJobData is the thin envelope actually submitted to the broker. The
// full Task is always re-read from the workspace at dispatch time so that
// retries observe current state (revisions, status updates).
type QueueJobData struct {
	TaskID     string    `json:"taskId"`
	Skill      string    `json:"skill"`
	Priority   Priority  `json:"priority"`
	GoalID     *string   `json:"goalId,omitempty"`
	PipelineID *string   `json:"pipelineId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// RoutingActionType is the tag of a RoutingAction.
type RoutingActionType string

const (
	ActionEnqueueTasks RoutingActionType = "enqueue_tasks"
	ActionComplete     RoutingActionType = "complete"
	ActionDeadLetter   RoutingActionType = "dead_letter"
	ActionDeferred     RoutingActionType = "deferred"
)

// RoutingAction is the post-execution directive produced by the Completion
// Router. Exactly one of the payload fields is meaningful, selected by
// Type.
type RoutingAction struct {
	Type   RoutingActionType `json:"type"`
	Tasks  []*Task           `json:"tasks,omitempty"`  // ActionEnqueueTasks
	TaskID string            `json:"taskId,omitempty"` // ActionComplete / ActionDeadLetter / ActionDeferred
	Reason string            `json:"reason,omitempty"` // ActionDeadLetter / ActionDeferred
}

// DeadLetterEntry is a derived view over a failed job held by the broker.
type DeadLetterEntry struct {
	TaskID           string    `json:"taskId"`
	Skill            string    `json:"skill"`
	FailedAt         time.Time `json:"failedAt"`
	Attempts         int       `json:"attempts"`
	LastError        string    `json:"lastError"`
	OriginalPriority Priority  `json:"originalPriority"`
}
