// Package executor declares the agent-execution contract the core
// consumes. The real executor (model calls, tool use, artifact writes) is
// an external collaborator per spec.md §6; only its input/output shape
// lives here.
package executor

import (
	"context"

	"github.com/fluxforge/queuemanager/internal/budget"
	"github.com/fluxforge/queuemanager/internal/task"
)

// Status is the terminal state an execution reports.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ExecError carries a machine-readable error code. BUDGET_EXHAUSTED is
// reserved per spec.md §6 and must never be retried by the broker — the
// Worker Processor maps it to a BudgetDeferralError instead of a
// TaskExecutionError.
type ExecError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const ErrCodeBudgetExhausted = "BUDGET_EXHAUSTED"

// Metadata accompanies every execution result, successful or not.
type Metadata struct {
	Model         string  `json:"model"`
	ModelTier     string  `json:"modelTier"`
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	DurationMs    int64   `json:"durationMs"`
	EstimatedCost float64 `json:"estimatedCost"`
	RetryCount    int     `json:"retryCount"`
}

// Result is what Execute returns.
type Result struct {
	TaskID     string     `json:"taskId"`
	Status     Status     `json:"status"`
	Content    string     `json:"content,omitempty"`
	OutputPath string     `json:"outputPath,omitempty"`
	Metadata   Metadata   `json:"metadata"`
	Error      *ExecError `json:"error,omitempty"`
}

// Options carries the current budget snapshot so the executor may select
// a cheaper model when ModelOverride is set.
type Options struct {
	BudgetState budget.State
}

// Executor runs a single task to completion or failure.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, opts Options) (Result, error)
}
