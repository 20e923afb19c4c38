// Package worker implements the Worker Processor (C8): the per-job
// pipeline a broker.Worker delivers each dispatched job to. It re-checks
// admission and cascade state against the freshest snapshots, loads the
// authoritative task from the workspace, executes it, classifies the
// outcome, and routes it through the Completion Router.
package worker

import (
	"context"
	"fmt"

	"github.com/fluxforge/queuemanager/internal/broker"
	"github.com/fluxforge/queuemanager/internal/budget"
	"github.com/fluxforge/queuemanager/internal/executor"
	"github.com/fluxforge/queuemanager/internal/failuretracker"
	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/observability"
	"github.com/fluxforge/queuemanager/internal/queueerr"
	"github.com/fluxforge/queuemanager/internal/router"
	"github.com/fluxforge/queuemanager/internal/task"
	"github.com/fluxforge/queuemanager/internal/workspace"
)

// BudgetSource supplies a fresh snapshot on every call — the Worker
// Processor never caches one across steps 1 and 4, matching spec.md's "pull
// a fresh budget snapshot" re-check requirement.
type BudgetSource interface {
	Snapshot() budget.State
}

// Result is what a single job pipeline run produces.
type Result struct {
	ExecutionResult executor.Result
	RoutingAction   task.RoutingAction
}

// Processor wires the Worker Processor's collaborators together.
type Processor struct {
	budgetSrc BudgetSource
	gate      *budget.Gate
	tracker   *failuretracker.Tracker
	ws        workspace.Workspace
	exec      executor.Executor
	router    *router.Router
	log       *logging.Logger
}

// New builds a Processor.
func New(budgetSrc BudgetSource, gate *budget.Gate, tracker *failuretracker.Tracker, ws workspace.Workspace, exec executor.Executor, rtr *router.Router, log *logging.Logger) *Processor {
	return &Processor{budgetSrc: budgetSrc, gate: gate, tracker: tracker, ws: ws, exec: exec, router: rtr, log: log}
}

// Process runs the seven-step pipeline spec.md §4.5 describes for one
// delivered job. It is safe to invoke concurrently across jobs — the only
// shared mutable state it touches (the failure tracker) guards itself.
func (p *Processor) Process(ctx context.Context, job broker.JobHandle) (Result, error) {
	snap := p.budgetSrc.Snapshot()

	// Step 1: admission re-check.
	if !snap.Allows(job.Data.Priority) {
		observability.AdmissionDecisions.WithLabelValues("defer").Inc()
		return Result{}, &queueerr.BudgetDeferralError{
			TaskID:      job.Data.TaskID,
			Priority:    string(job.Data.Priority),
			BudgetLevel: string(snap.Level),
		}
	}
	observability.AdmissionDecisions.WithLabelValues("allow").Inc()

	// Step 2: cascade check.
	if p.tracker.ShouldPauseForPipeline(job.Data.PipelineID) {
		return Result{}, &queueerr.CascadePauseError{TaskID: job.Data.TaskID}
	}

	// Step 3: task load — always re-read, never trust the job envelope's
	// stale copy, since revisions/status may have moved on since enqueue.
	t, err := p.ws.ReadTask(ctx, job.Data.TaskID)
	if err != nil {
		return Result{}, fmt.Errorf("worker: load task %s: %w", job.Data.TaskID, err)
	}
	if t == nil {
		return Result{}, fmt.Errorf("worker: task %s not found in workspace", job.Data.TaskID)
	}

	// Step 4: execute.
	execResult, err := p.exec.Execute(ctx, t, executor.Options{BudgetState: p.budgetSrc.Snapshot()})
	if err != nil {
		p.tracker.RecordFailure(t.ID, t.PipelineID)
		return Result{}, &queueerr.TaskExecutionError{Message: err.Error(), ExecutionResult: execResult}
	}

	// Step 5: failure classification.
	if execResult.Status == executor.StatusFailed {
		if execResult.Error != nil && execResult.Error.Code == executor.ErrCodeBudgetExhausted {
			return Result{}, &queueerr.BudgetDeferralError{
				TaskID:      t.ID,
				Priority:    string(t.Priority),
				BudgetLevel: string(snap.Level),
			}
		}
		p.tracker.RecordFailure(t.ID, t.PipelineID)
		msg := "execution failed"
		if execResult.Error != nil {
			msg = execResult.Error.Message
		}
		return Result{}, &queueerr.TaskExecutionError{Message: msg, ExecutionResult: execResult}
	}

	// Step 6: success.
	p.tracker.RecordSuccess(t.PipelineID)

	// Step 7: route.
	action, err := p.router.Route(ctx, t, execResult)
	if err != nil {
		return Result{}, fmt.Errorf("worker: route task %s: %w", t.ID, err)
	}

	return Result{ExecutionResult: execResult, RoutingAction: action}, nil
}
