package router

import (
	"context"
	"testing"

	"github.com/fluxforge/queuemanager/internal/director"
	"github.com/fluxforge/queuemanager/internal/executor"
	"github.com/fluxforge/queuemanager/internal/task"
	"github.com/fluxforge/queuemanager/internal/workspace"
)

type fakeWorkspace struct {
	tasks     map[string]*task.Task
	learnings []workspace.Learning
}

func newFakeWorkspace() *fakeWorkspace { return &fakeWorkspace{tasks: map[string]*task.Task{}} }

func (f *fakeWorkspace) ReadTask(ctx context.Context, id string) (*task.Task, error) { return f.tasks[id], nil }
func (f *fakeWorkspace) WriteTask(ctx context.Context, t *task.Task) error           { f.tasks[t.ID] = t; return nil }
func (f *fakeWorkspace) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	t, ok := f.tasks[id]
	if !ok {
		t = &task.Task{ID: id}
		f.tasks[id] = t
	}
	t.Status = status
	return nil
}
func (f *fakeWorkspace) ReadOutput(ctx context.Context, squad, skill, id string) ([]byte, error) { return nil, nil }
func (f *fakeWorkspace) WriteOutput(ctx context.Context, squad, skill, id string, content []byte) error {
	return nil
}
func (f *fakeWorkspace) AppendLearning(ctx context.Context, l workspace.Learning) error {
	f.learnings = append(f.learnings, l)
	return nil
}
func (f *fakeWorkspace) ListTasks(ctx context.Context) ([]*task.Task, error)            { return nil, nil }
func (f *fakeWorkspace) ListReviews(ctx context.Context, id string) ([]workspace.Review, error) {
	return nil, nil
}
func (f *fakeWorkspace) ReadFile(ctx context.Context, path string) ([]byte, error) { return nil, nil }

type fakeDirector struct {
	reviewDecision director.Decision
	reviewErr      error
	advanceResult  director.AdvanceResult
	advanceErr     error
}

func (f *fakeDirector) ReviewCompletedTask(ctx context.Context, taskID string) (director.Decision, error) {
	return f.reviewDecision, f.reviewErr
}
func (f *fakeDirector) AdvanceGoal(ctx context.Context, goalID string) (director.AdvanceResult, error) {
	return f.advanceResult, f.advanceErr
}

func idSeq(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestRouteCompleteReturnsComplete(t *testing.T) {
	r := New(nil, newFakeWorkspace(), &fakeDirector{}, idSeq("id"))
	tk := &task.Task{ID: "t1", Next: task.Next{Type: task.NextComplete}}
	action, err := r.Route(context.Background(), tk, executor.Result{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Type != task.ActionComplete || action.TaskID != "t1" {
		t.Fatalf("got %+v", action)
	}
}

func TestRouteAgentSynthesizesFollowUpWithFallbackSquad(t *testing.T) {
	ws := newFakeWorkspace()
	r := New(nil, ws, &fakeDirector{}, idSeq("id"))
	goalID := "goal-1"
	tk := &task.Task{
		ID: "t1", To: "writer", Priority: task.P1, GoalID: &goalID, Goal: "ship the thing",
		Next: task.Next{Type: task.NextAgent, Skill: "reviewer"},
	}
	action, err := r.Route(context.Background(), tk, executor.Result{OutputPath: "out/draft.md"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Type != task.ActionEnqueueTasks || len(action.Tasks) != 1 {
		t.Fatalf("got %+v", action)
	}
	followUp := action.Tasks[0]
	if followUp.To != "reviewer" || followUp.From != "writer" {
		t.Fatalf("got from=%s to=%s", followUp.From, followUp.To)
	}
	if followUp.Priority != task.P1 || followUp.Status != task.StatusPending {
		t.Fatalf("follow-up did not inherit priority/status correctly: %+v", followUp)
	}
	if followUp.Next.Type != task.NextDirectorReview {
		t.Fatalf("follow-up next type = %s, want director_review", followUp.Next.Type)
	}
	if followUp.Output.Path != "foundation/reviewer/id1.json" {
		t.Fatalf("got output path %q, want fallback foundation squad", followUp.Output.Path)
	}
	if ws.tasks[followUp.ID] == nil {
		t.Fatalf("follow-up was not persisted to workspace")
	}
}

func TestRouteAgentUsesSkillSquadLookup(t *testing.T) {
	r := New(map[string]string{"reviewer": "qa-squad"}, newFakeWorkspace(), &fakeDirector{}, idSeq("id"))
	tk := &task.Task{ID: "t1", To: "writer", Next: task.Next{Type: task.NextAgent, Skill: "reviewer"}}
	action, err := r.Route(context.Background(), tk, executor.Result{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Tasks[0].Output.Path != "qa-squad/reviewer/id1.json" {
		t.Fatalf("got %q", action.Tasks[0].Output.Path)
	}
}

func TestRouteDirectorReviewApproveCompletes(t *testing.T) {
	ws := newFakeWorkspace()
	r := New(nil, ws, &fakeDirector{reviewDecision: director.Decision{Action: director.ActionApprove}}, idSeq("id"))
	tk := &task.Task{ID: "t1", Next: task.Next{Type: task.NextDirectorReview}}
	action, _ := r.Route(context.Background(), tk, executor.Result{})
	if action.Type != task.ActionComplete {
		t.Fatalf("got %+v", action)
	}
	if ws.tasks["t1"] == nil || ws.tasks["t1"].Status != task.StatusApproved {
		t.Fatalf("workspace task status not updated to approved: %+v", ws.tasks["t1"])
	}
	if len(ws.learnings) != 1 || ws.learnings[0].TaskID != "t1" {
		t.Fatalf("expected a learning referencing task t1, got %+v", ws.learnings)
	}
}

func TestRouteDirectorReviewReviseEnqueues(t *testing.T) {
	next := []*task.Task{{ID: "t2"}}
	r := New(nil, newFakeWorkspace(), &fakeDirector{reviewDecision: director.Decision{Action: director.ActionRevise, NextTasks: next}}, idSeq("id"))
	tk := &task.Task{ID: "t1", Next: task.Next{Type: task.NextDirectorReview}}
	action, _ := r.Route(context.Background(), tk, executor.Result{})
	if action.Type != task.ActionEnqueueTasks || len(action.Tasks) != 1 {
		t.Fatalf("got %+v", action)
	}
}

func TestRouteDirectorReviewEscalateDeadLetters(t *testing.T) {
	ws := newFakeWorkspace()
	r := New(nil, ws, &fakeDirector{reviewDecision: director.Decision{
		Action:     director.ActionEscalateHuman,
		Escalation: &director.Escalation{Reason: "needs a human"},
	}}, idSeq("id"))
	tk := &task.Task{ID: "t1", Next: task.Next{Type: task.NextDirectorReview}}
	action, _ := r.Route(context.Background(), tk, executor.Result{})
	if action.Type != task.ActionDeadLetter || action.Reason != "needs a human" {
		t.Fatalf("got %+v", action)
	}
	if ws.tasks["t1"] == nil || ws.tasks["t1"].Status != task.StatusBlocked {
		t.Fatalf("workspace task status not updated to blocked: %+v", ws.tasks["t1"])
	}
	if len(ws.learnings) != 1 || ws.learnings[0].Meta["reason"] != "needs a human" {
		t.Fatalf("expected a learning recording the escalation reason, got %+v", ws.learnings)
	}
}

func TestRouteGoalIterateWithGoalIDAdvances(t *testing.T) {
	goalID := "goal-1"
	r := New(nil, newFakeWorkspace(), &fakeDirector{
		reviewDecision: director.Decision{Action: director.ActionGoalIterate},
		advanceResult:  director.AdvanceResult{Complete: false, Tasks: []*task.Task{{ID: "t3"}}},
	}, idSeq("id"))
	tk := &task.Task{ID: "t1", GoalID: &goalID, Next: task.Next{Type: task.NextDirectorReview}}
	action, _ := r.Route(context.Background(), tk, executor.Result{})
	if action.Type != task.ActionEnqueueTasks || len(action.Tasks) != 1 {
		t.Fatalf("got %+v", action)
	}
}

func TestRouteGoalIterateWithoutGoalIDCompletes(t *testing.T) {
	r := New(nil, newFakeWorkspace(), &fakeDirector{reviewDecision: director.Decision{Action: director.ActionGoalIterate}}, idSeq("id"))
	tk := &task.Task{ID: "t1", Next: task.Next{Type: task.NextDirectorReview}}
	action, _ := r.Route(context.Background(), tk, executor.Result{})
	if action.Type != task.ActionComplete {
		t.Fatalf("got %+v", action)
	}
}

func TestRoutePipelineContinueAdvanceComplete(t *testing.T) {
	goalID := "goal-1"
	r := New(nil, newFakeWorkspace(), &fakeDirector{advanceResult: director.AdvanceResult{Complete: true}}, idSeq("id"))
	tk := &task.Task{ID: "t1", GoalID: &goalID, Next: task.Next{Type: task.NextPipelineContinue}}
	action, _ := r.Route(context.Background(), tk, executor.Result{})
	if action.Type != task.ActionComplete {
		t.Fatalf("got %+v", action)
	}
}

func TestRoutePipelineContinueNoGoalIDCompletes(t *testing.T) {
	r := New(nil, newFakeWorkspace(), &fakeDirector{}, idSeq("id"))
	tk := &task.Task{ID: "t1", Next: task.Next{Type: task.NextPipelineContinue}}
	action, _ := r.Route(context.Background(), tk, executor.Result{})
	if action.Type != task.ActionComplete {
		t.Fatalf("got %+v", action)
	}
}
