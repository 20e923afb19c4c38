// Package fakeexecutor is an in-memory executor.Executor used by tests and
// the cmd/queuesim demo binary: it "executes" a task by returning a
// synthetic success result, with optional scripted behavior for exercising
// failure paths. It does not write anything to the workspace.
package fakeexecutor

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxforge/queuemanager/internal/executor"
	"github.com/fluxforge/queuemanager/internal/task"
)

// Script lets a test force a specific outcome for a given task id, rather
// than the default "always succeeds" behavior.
type Script struct {
	Result executor.Result
	Err    error
}

// Executor is a scriptable in-memory executor.Executor.
type Executor struct {
	mu      sync.Mutex
	scripts map[string]Script
	calls   []string
}

// New returns an Executor that succeeds for any task unless a Script has
// been registered for its id.
func New() *Executor {
	return &Executor{scripts: map[string]Script{}}
}

// ScriptFor registers a forced outcome for taskID.
func (e *Executor) ScriptFor(taskID string, s Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[taskID] = s
}

// Calls returns the task ids Execute was invoked with, in order.
func (e *Executor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.calls...)
}

// Execute returns the scripted outcome for t.ID if one was registered,
// otherwise a synthetic successful result.
func (e *Executor) Execute(ctx context.Context, t *task.Task, opts executor.Options) (executor.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, t.ID)
	s, scripted := e.scripts[t.ID]
	e.mu.Unlock()

	if scripted {
		return s.Result, s.Err
	}

	return executor.Result{
		TaskID:     t.ID,
		Status:     executor.StatusCompleted,
		Content:    fmt.Sprintf("synthetic output for task %s (skill %s)", t.ID, t.To),
		OutputPath: t.Output.Path,
		Metadata: executor.Metadata{
			Model:      "fake-model",
			ModelTier:  "standard",
			DurationMs: 5,
		},
	}, nil
}
