// Package priority implements the bidirectional mapping between symbolic
// task priorities and the numeric scheduling key the broker orders on
// (lower key = dispatched first).
package priority

import "github.com/fluxforge/queuemanager/internal/task"

// queueKeys mirrors spec.md's fixed mapping: P0<P1<P2<P3 maps to
// {1,5,10,20}. Kept as an ordered slice (not a map) so the strictly
// increasing invariant is visible at the definition site.
var queueKeys = []struct {
	p   task.Priority
	key int
}{
	{task.P0, 1},
	{task.P1, 5},
	{task.P2, 10},
	{task.P3, 20},
}

// ToQueueKey maps a symbolic priority to its numeric scheduling key.
// Unknown priorities map to the least-urgent key, matching the reverse
// bucket's "else -> P3" fallback.
func ToQueueKey(p task.Priority) int {
	for _, q := range queueKeys {
		if q.p == p {
			return q.key
		}
	}
	return 20
}

// FromQueueKey maps a numeric scheduling key back to a symbolic priority
// using half-open buckets: <=1 -> P0, <=5 -> P1, <=10 -> P2, else -> P3.
func FromQueueKey(key int) task.Priority {
	switch {
	case key <= 1:
		return task.P0
	case key <= 5:
		return task.P1
	case key <= 10:
		return task.P2
	default:
		return task.P3
	}
}

// All returns the four priorities in urgency order, most urgent first.
func All() []task.Priority {
	out := make([]task.Priority, 0, len(queueKeys))
	for _, q := range queueKeys {
		out = append(out, q.p)
	}
	return out
}
