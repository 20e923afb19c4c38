// Package fakedirector is an in-memory director.Director used by tests and
// the cmd/queuesim demo binary. By default it approves every review and
// reports every goal complete; tests override specific task/goal ids via
// Script to exercise the Completion Router's other branches.
package fakedirector

import (
	"context"
	"sync"

	"github.com/fluxforge/queuemanager/internal/director"
)

// Director is a scriptable in-memory director.Director.
type Director struct {
	mu         sync.Mutex
	reviews    map[string]director.Decision
	advances   map[string]director.AdvanceResult
}

// New returns a Director that approves every review and completes every
// goal unless overridden.
func New() *Director {
	return &Director{
		reviews:  map[string]director.Decision{},
		advances: map[string]director.AdvanceResult{},
	}
}

// ScriptReview forces the decision ReviewCompletedTask returns for taskID.
func (d *Director) ScriptReview(taskID string, decision director.Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reviews[taskID] = decision
}

// ScriptAdvance forces the result AdvanceGoal returns for goalID.
func (d *Director) ScriptAdvance(goalID string, result director.AdvanceResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advances[goalID] = result
}

func (d *Director) ReviewCompletedTask(ctx context.Context, taskID string) (director.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dec, ok := d.reviews[taskID]; ok {
		return dec, nil
	}
	return director.Decision{
		Review: director.Review{Verdict: "approved"},
		Action: director.ActionApprove,
	}, nil
}

func (d *Director) AdvanceGoal(ctx context.Context, goalID string) (director.AdvanceResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res, ok := d.advances[goalID]; ok {
		return res, nil
	}
	return director.AdvanceResult{Complete: true}, nil
}
