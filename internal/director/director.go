// Package director declares the planner/reviewer contract the Completion
// Router consumes. Only the review-decision shape is consumed per
// spec.md §6 — the director's own planning and skill/squad knowledge are
// external.
package director

import (
	"context"

	"github.com/fluxforge/queuemanager/internal/task"
)

// Action is the director's verdict on a completed task under review.
type Action string

const (
	ActionApprove       Action = "approve"
	ActionRevise        Action = "revise"
	ActionRejectReassign Action = "reject_reassign"
	ActionEscalateHuman Action = "escalate_human"
	ActionPipelineNext  Action = "pipeline_next"
	ActionGoalComplete  Action = "goal_complete"
	ActionGoalIterate   Action = "goal_iterate"
)

// Review accompanies every decision.
type Review struct {
	Verdict  string   `json:"verdict"`
	Findings []string `json:"findings,omitempty"`
}

// Escalation carries the reason a review was escalated to a human.
type Escalation struct {
	Reason string `json:"reason"`
}

// Decision is the result of ReviewCompletedTask.
type Decision struct {
	Review     Review       `json:"review"`
	Action     Action       `json:"action"`
	NextTasks  []*task.Task `json:"nextTasks,omitempty"`
	Escalation *Escalation  `json:"escalation,omitempty"`
	Learning   any          `json:"learning,omitempty"`
}

// AdvanceResult is what AdvanceGoal returns: either the sentinel
// "complete" or a list of next tasks.
type AdvanceResult struct {
	Complete bool
	Tasks    []*task.Task
}

// Director is the external planner/reviewer consumed by the Completion
// Router.
type Director interface {
	ReviewCompletedTask(ctx context.Context, taskID string) (Decision, error)
	AdvanceGoal(ctx context.Context, goalID string) (AdvanceResult, error)
}
