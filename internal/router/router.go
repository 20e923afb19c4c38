// Package router implements the Completion Router (C9): it interprets a
// completed task's `next` directive into a RoutingAction, synthesizing
// follow-up tasks for pipeline continuations and consulting the director
// on review/advance branches.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxforge/queuemanager/internal/director"
	"github.com/fluxforge/queuemanager/internal/executor"
	"github.com/fluxforge/queuemanager/internal/task"
	"github.com/fluxforge/queuemanager/internal/workspace"
)

// defaultSquad is used whenever a skill has no entry in the skill→squad
// lookup.
const defaultSquad = "foundation"

// IDGenerator produces a fresh task id for synthesized follow-up tasks.
// Injected so tests can supply deterministic ids.
type IDGenerator func() string

// Router holds the collaborators the Completion Router needs: a
// skill→squad lookup for output path placement, the workspace to persist
// synthesized follow-ups, the director for review/advance branches, and an
// id generator.
type Router struct {
	skillSquads map[string]string
	ws          workspace.Workspace
	dir         director.Director
	newID       IDGenerator
	now         func() time.Time
}

// New builds a Router. skillSquads may be nil or partial; lookups that
// miss fall back to defaultSquad.
func New(skillSquads map[string]string, ws workspace.Workspace, dir director.Director, newID IDGenerator) *Router {
	if skillSquads == nil {
		skillSquads = map[string]string{}
	}
	return &Router{skillSquads: skillSquads, ws: ws, dir: dir, newID: newID, now: time.Now}
}

func (r *Router) squadFor(skill string) string {
	if squad, ok := r.skillSquads[skill]; ok {
		return squad
	}
	return defaultSquad
}

// Route maps (completedTask, executionResult) to a RoutingAction per
// spec.md §4.6, branching on t.Next.Type.
func (r *Router) Route(ctx context.Context, t *task.Task, result executor.Result) (task.RoutingAction, error) {
	switch t.Next.Type {
	case task.NextComplete:
		return task.RoutingAction{Type: task.ActionComplete, TaskID: t.ID}, nil

	case task.NextAgent:
		return r.routeAgent(ctx, t, result)

	case task.NextDirectorReview:
		return r.routeDirectorReview(ctx, t)

	case task.NextPipelineContinue:
		return r.routeAdvanceOrComplete(ctx, t)

	default:
		return task.RoutingAction{}, fmt.Errorf("router: unknown next.type %q for task %s", t.Next.Type, t.ID)
	}
}

// routeAgent synthesizes a follow-up task continuing the pipeline on a
// named skill.
func (r *Router) routeAgent(ctx context.Context, t *task.Task, result executor.Result) (task.RoutingAction, error) {
	var inputs []task.Input
	if result.OutputPath != "" {
		inputs = []task.Input{{Path: result.OutputPath}}
	}

	squad := r.squadFor(t.Next.Skill)
	followUpID := r.newID()
	followUp := &task.Task{
		ID:            followUpID,
		From:          t.To,
		To:            t.Next.Skill,
		Priority:      t.Priority,
		Deadline:      t.Deadline,
		GoalID:        t.GoalID,
		PipelineID:    t.PipelineID,
		Goal:          t.Goal,
		Tags:          t.Tags,
		Status:        task.StatusPending,
		RevisionCount: 0,
		Inputs:        inputs,
		Requirements:  fmt.Sprintf("Continue pipeline work using output from %s. Goal: %s", t.To, t.Goal),
		Output:        task.Output{Path: outputPath(squad, t.Next.Skill, followUpID)},
		Next:          task.Next{Type: task.NextDirectorReview},
		Metadata: map[string]any{
			"previousTaskId": t.ID,
			"previousSkill":  t.To,
		},
		CreatedAt: r.now(),
		UpdatedAt: r.now(),
	}

	if err := r.ws.WriteTask(ctx, followUp); err != nil {
		return task.RoutingAction{}, fmt.Errorf("router: persist follow-up task: %w", err)
	}

	return task.RoutingAction{Type: task.ActionEnqueueTasks, Tasks: []*task.Task{followUp}}, nil
}

// outputPath mirrors the workspace's squad/skill/task output layout.
func outputPath(squad, skill, taskID string) string {
	return fmt.Sprintf("%s/%s/%s.json", squad, skill, taskID)
}

func (r *Router) routeDirectorReview(ctx context.Context, t *task.Task) (task.RoutingAction, error) {
	decision, err := r.dir.ReviewCompletedTask(ctx, t.ID)
	if err != nil {
		return task.RoutingAction{}, fmt.Errorf("router: review task %s: %w", t.ID, err)
	}

	switch decision.Action {
	case director.ActionApprove:
		if err := r.ws.UpdateTaskStatus(ctx, t.ID, task.StatusApproved); err != nil {
			return task.RoutingAction{}, fmt.Errorf("router: mark task %s approved: %w", t.ID, err)
		}
		if err := r.ws.AppendLearning(ctx, workspace.Learning{TaskID: t.ID, Message: "director approved task"}); err != nil {
			return task.RoutingAction{}, fmt.Errorf("router: append approval learning for %s: %w", t.ID, err)
		}
		return task.RoutingAction{Type: task.ActionComplete, TaskID: t.ID}, nil

	case director.ActionGoalComplete:
		return task.RoutingAction{Type: task.ActionComplete, TaskID: t.ID}, nil

	case director.ActionPipelineNext, director.ActionRevise, director.ActionRejectReassign:
		return task.RoutingAction{Type: task.ActionEnqueueTasks, Tasks: decision.NextTasks}, nil

	case director.ActionEscalateHuman:
		reason := "escalated_to_human"
		if decision.Escalation != nil && decision.Escalation.Reason != "" {
			reason = decision.Escalation.Reason
		}
		if err := r.ws.UpdateTaskStatus(ctx, t.ID, task.StatusBlocked); err != nil {
			return task.RoutingAction{}, fmt.Errorf("router: mark task %s blocked: %w", t.ID, err)
		}
		if err := r.ws.AppendLearning(ctx, workspace.Learning{
			TaskID: t.ID, Message: "escalated to human review", Meta: map[string]any{"reason": reason},
		}); err != nil {
			return task.RoutingAction{}, fmt.Errorf("router: append escalation learning for %s: %w", t.ID, err)
		}
		return task.RoutingAction{Type: task.ActionDeadLetter, TaskID: t.ID, Reason: reason}, nil

	case director.ActionGoalIterate:
		return r.routeAdvanceOrComplete(ctx, t)

	default:
		return task.RoutingAction{}, fmt.Errorf("router: unknown director action %q for task %s", decision.Action, t.ID)
	}
}

// routeAdvanceOrComplete is shared by the director's goal_iterate decision
// and the pipeline_continue next type: when the task carries a goal id,
// ask the director to advance it; otherwise the pipeline simply completes.
func (r *Router) routeAdvanceOrComplete(ctx context.Context, t *task.Task) (task.RoutingAction, error) {
	if t.GoalID == nil {
		return task.RoutingAction{Type: task.ActionComplete, TaskID: t.ID}, nil
	}

	advance, err := r.dir.AdvanceGoal(ctx, *t.GoalID)
	if err != nil {
		return task.RoutingAction{}, fmt.Errorf("router: advance goal %s: %w", *t.GoalID, err)
	}
	if advance.Complete {
		return task.RoutingAction{Type: task.ActionComplete, TaskID: t.ID}, nil
	}
	return task.RoutingAction{Type: task.ActionEnqueueTasks, Tasks: advance.Tasks}, nil
}
