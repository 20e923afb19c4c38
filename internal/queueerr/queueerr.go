// Package queueerr holds the three failure kinds the Worker Processor
// distinguishes for the broker (spec.md §7), each a struct error in the
// style of the teacher's resilience.ReconciliationError: a typed value
// carrying the context needed to decide retry/cascade/dead-letter
// behavior, never a bare errors.New.
package queueerr

import "fmt"

// BudgetDeferralError signals back-pressure: the task must not count
// toward the failure cascade and must not exhaust the broker's retries.
// It is raised both when admission is re-checked mid-dispatch and re-fails
// (spec.md §4.5 step 1) and when the executor itself reports a
// BUDGET_EXHAUSTED error code (step 5).
type BudgetDeferralError struct {
	TaskID      string
	Priority    string
	BudgetLevel string
}

func (e *BudgetDeferralError) Error() string {
	return fmt.Sprintf("task %s deferred: priority %s not allowed at budget level %s", e.TaskID, e.Priority, e.BudgetLevel)
}

// CascadePauseError signals that the task's pipeline has crossed the
// consecutive-failure threshold. The job should surface to dead-letter so
// an operator can intervene rather than retry automatically.
type CascadePauseError struct {
	TaskID string
}

func (e *CascadePauseError) Error() string {
	return fmt.Sprintf("task %s rejected: pipeline cascade pause in effect", e.TaskID)
}

// TaskExecutionError is an ordinary execution failure. It counts toward
// the cascade and is eligible for broker-level retry until attempts are
// exhausted.
type TaskExecutionError struct {
	Message         string
	ExecutionResult any // the executor's ExecutionResult, kept as any so this package does not import internal/executor
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task execution failed: %s", e.Message)
}
