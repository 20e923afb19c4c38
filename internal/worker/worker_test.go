package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxforge/queuemanager/internal/broker"
	"github.com/fluxforge/queuemanager/internal/budget"
	"github.com/fluxforge/queuemanager/internal/director"
	"github.com/fluxforge/queuemanager/internal/executor"
	"github.com/fluxforge/queuemanager/internal/failuretracker"
	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/queueerr"
	"github.com/fluxforge/queuemanager/internal/router"
	"github.com/fluxforge/queuemanager/internal/task"
	"github.com/fluxforge/queuemanager/internal/workspace"
)

type fixedBudget struct{ state budget.State }

func (f fixedBudget) Snapshot() budget.State { return f.state }

func allowAll() budget.State {
	return budget.State{
		Level: budget.LevelNormal,
		AllowedPriorities: map[task.Priority]bool{
			task.P0: true, task.P1: true, task.P2: true, task.P3: true,
		},
	}
}

type memWorkspace struct {
	tasks map[string]*task.Task
}

func newMemWorkspace(tasks ...*task.Task) *memWorkspace {
	m := &memWorkspace{tasks: map[string]*task.Task{}}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *memWorkspace) ReadTask(ctx context.Context, id string) (*task.Task, error) { return m.tasks[id], nil }
func (m *memWorkspace) WriteTask(ctx context.Context, t *task.Task) error           { m.tasks[t.ID] = t; return nil }
func (m *memWorkspace) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	if t, ok := m.tasks[id]; ok {
		t.Status = status
	}
	return nil
}
func (m *memWorkspace) ReadOutput(ctx context.Context, squad, skill, id string) ([]byte, error) { return nil, nil }
func (m *memWorkspace) WriteOutput(ctx context.Context, squad, skill, id string, content []byte) error {
	return nil
}
func (m *memWorkspace) AppendLearning(ctx context.Context, l workspace.Learning) error { return nil }
func (m *memWorkspace) ListTasks(ctx context.Context) ([]*task.Task, error)            { return nil, nil }
func (m *memWorkspace) ListReviews(ctx context.Context, id string) ([]workspace.Review, error) {
	return nil, nil
}
func (m *memWorkspace) ReadFile(ctx context.Context, path string) ([]byte, error) { return nil, nil }

type scriptedExecutor struct {
	result executor.Result
	err    error
}

func (s scriptedExecutor) Execute(ctx context.Context, t *task.Task, opts executor.Options) (executor.Result, error) {
	return s.result, s.err
}

type noopDirector struct{}

func (noopDirector) ReviewCompletedTask(ctx context.Context, taskID string) (director.Decision, error) {
	return director.Decision{Action: director.ActionApprove}, nil
}
func (noopDirector) AdvanceGoal(ctx context.Context, goalID string) (director.AdvanceResult, error) {
	return director.AdvanceResult{Complete: true}, nil
}

func newProcessor(ws *memWorkspace, exec executor.Executor, b budget.State, tracker *failuretracker.Tracker) *Processor {
	gate := budget.New(nil)
	if tracker == nil {
		tracker = failuretracker.New(3, nil)
	}
	rtr := router.New(nil, ws, noopDirector{}, func() string { return "follow-up-1" })
	log := logging.Default("worker-test")
	return New(fixedBudget{state: b}, gate, tracker, ws, exec, rtr, log)
}

func TestProcessDefersWhenPriorityNotAllowed(t *testing.T) {
	ws := newMemWorkspace(&task.Task{ID: "t1", Priority: task.P3, Next: task.Next{Type: task.NextComplete}})
	deny := budget.State{Level: budget.LevelWarning, AllowedPriorities: map[task.Priority]bool{task.P0: true}}
	p := newProcessor(ws, scriptedExecutor{}, deny, nil)

	job := broker.JobHandle{Data: task.QueueJobData{TaskID: "t1", Priority: task.P3}}
	_, err := p.Process(context.Background(), job)

	var deferErr *queueerr.BudgetDeferralError
	if !errors.As(err, &deferErr) {
		t.Fatalf("expected BudgetDeferralError, got %v", err)
	}
}

func TestProcessFailsWithCascadePauseWhenPipelineBlocked(t *testing.T) {
	pipelineID := "pipe-1"
	ws := newMemWorkspace(&task.Task{ID: "t1", Priority: task.P1, PipelineID: &pipelineID, Next: task.Next{Type: task.NextComplete}})
	tracker := failuretracker.New(1, nil)
	tracker.RecordFailure("earlier", &pipelineID)

	p := newProcessor(ws, scriptedExecutor{}, allowAll(), tracker)
	job := broker.JobHandle{Data: task.QueueJobData{TaskID: "t1", Priority: task.P1, PipelineID: &pipelineID}}
	_, err := p.Process(context.Background(), job)

	var pauseErr *queueerr.CascadePauseError
	if !errors.As(err, &pauseErr) {
		t.Fatalf("expected CascadePauseError, got %v", err)
	}
}

func TestProcessSuccessRoutesComplete(t *testing.T) {
	ws := newMemWorkspace(&task.Task{ID: "t1", Priority: task.P1, Next: task.Next{Type: task.NextComplete}})
	exec := scriptedExecutor{result: executor.Result{TaskID: "t1", Status: executor.StatusCompleted}}
	p := newProcessor(ws, exec, allowAll(), nil)

	job := broker.JobHandle{Data: task.QueueJobData{TaskID: "t1", Priority: task.P1}}
	result, err := p.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RoutingAction.Type != task.ActionComplete {
		t.Fatalf("got routing action %+v", result.RoutingAction)
	}
}

func TestProcessBudgetExhaustedExecutorErrorBecomesDeferral(t *testing.T) {
	ws := newMemWorkspace(&task.Task{ID: "t1", Priority: task.P1, Next: task.Next{Type: task.NextComplete}})
	exec := scriptedExecutor{result: executor.Result{
		TaskID: "t1", Status: executor.StatusFailed,
		Error: &executor.ExecError{Code: executor.ErrCodeBudgetExhausted, Message: "out of budget"},
	}}
	tracker := failuretracker.New(3, nil)
	p := newProcessor(ws, exec, allowAll(), tracker)

	job := broker.JobHandle{Data: task.QueueJobData{TaskID: "t1", Priority: task.P1}}
	_, err := p.Process(context.Background(), job)

	var deferErr *queueerr.BudgetDeferralError
	if !errors.As(err, &deferErr) {
		t.Fatalf("expected BudgetDeferralError, got %v", err)
	}
	if tracker.GetFailureCounts()[failuretracker.GlobalKey()] != 0 {
		t.Fatalf("BUDGET_EXHAUSTED must not count toward the failure cascade")
	}
}

func TestProcessOrdinaryFailureRecordsCascadeFailure(t *testing.T) {
	ws := newMemWorkspace(&task.Task{ID: "t1", Priority: task.P1, Next: task.Next{Type: task.NextComplete}})
	exec := scriptedExecutor{result: executor.Result{
		TaskID: "t1", Status: executor.StatusFailed,
		Error: &executor.ExecError{Code: "OTHER", Message: "boom"},
	}}
	tracker := failuretracker.New(3, nil)
	p := newProcessor(ws, exec, allowAll(), tracker)

	job := broker.JobHandle{Data: task.QueueJobData{TaskID: "t1", Priority: task.P1}}
	_, err := p.Process(context.Background(), job)

	var execErr *queueerr.TaskExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected TaskExecutionError, got %v", err)
	}
	if tracker.GetFailureCounts()[failuretracker.GlobalKey()] != 1 {
		t.Fatalf("ordinary failure should count toward the cascade")
	}
}

func TestProcessExecutorTransportErrorRecordsFailureAndWraps(t *testing.T) {
	ws := newMemWorkspace(&task.Task{ID: "t1", Priority: task.P1, Next: task.Next{Type: task.NextComplete}})
	exec := scriptedExecutor{err: errors.New("connection reset")}
	tracker := failuretracker.New(3, nil)
	p := newProcessor(ws, exec, allowAll(), tracker)

	job := broker.JobHandle{Data: task.QueueJobData{TaskID: "t1", Priority: task.P1}}
	_, err := p.Process(context.Background(), job)

	var execErr *queueerr.TaskExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected TaskExecutionError, got %v", err)
	}
	if tracker.GetFailureCounts()[failuretracker.GlobalKey()] != 1 {
		t.Fatalf("transport-level executor error should count toward the cascade")
	}
}
