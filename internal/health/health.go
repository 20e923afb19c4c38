// Package health implements the Health Monitor (C11): a registry of named
// probes run concurrently with an independent per-check timeout, whose
// results are synthesized into a degradation level and a four-level
// system state, overlaid with budget severity.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/fluxforge/queuemanager/internal/budget"
	"github.com/fluxforge/queuemanager/internal/observability"
)

// ComponentStatus is one probe's result.
type ComponentStatus string

const (
	StatusHealthy  ComponentStatus = "healthy"
	StatusDegraded ComponentStatus = "degraded"
	StatusOffline  ComponentStatus = "offline"
)

// ComponentHealth is a single probe's result, timestamped.
type ComponentHealth struct {
	Name          string          `json:"name"`
	Status        ComponentStatus `json:"status"`
	LastCheckedAt time.Time       `json:"lastCheckedAt"`
	Details       map[string]any  `json:"details,omitempty"`
}

// SystemState is the synthesized four-level system state.
type SystemState string

const (
	StateHealthy  SystemState = "HEALTHY"
	StateDegraded SystemState = "DEGRADED"
	StatePaused   SystemState = "PAUSED"
	StateOffline  SystemState = "OFFLINE"
)

// SystemHealth is the full synthesized snapshot.
type SystemHealth struct {
	State             SystemState                `json:"state"`
	DegradationLevel  int                         `json:"degradationLevel"`
	Components        map[string]ComponentHealth `json:"components"`
	ActiveAgents      int                         `json:"activeAgents"`
	MaxParallelAgents int                         `json:"maxParallelAgents"`
	QueueDepth        int                         `json:"queueDepth"`
	LastUpdatedAt     time.Time                   `json:"lastUpdatedAt"`
}

// CheckFunc is a single component probe. It should respect ctx
// cancellation; Monitor enforces a timeout around it regardless.
type CheckFunc func(ctx context.Context) ComponentHealth

// Monitor runs a registry of named probes concurrently.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	timeout time.Duration
}

// New returns a Monitor with the given default per-check timeout.
func New(timeout time.Duration) *Monitor {
	return &Monitor{checks: make(map[string]CheckFunc), timeout: timeout}
}

// Register adds or replaces a named probe.
func (m *Monitor) Register(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
}

// runWithTimeout runs fn with an independent timeout; a throw, rejection,
// or timeout all become {status: offline}. A slow check that later
// completes is discarded — its result is never applied because the
// timeout path has already written the offline result and returned.
func (m *Monitor) runWithTimeout(name string, fn CheckFunc) ComponentHealth {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan ComponentHealth, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- ComponentHealth{
					Name: name, Status: StatusOffline, LastCheckedAt: time.Now(),
					Details: map[string]any{"error": "panic during health check"},
				}
			}
		}()
		resultCh <- fn(ctx)
	}()

	var result ComponentHealth
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		result = ComponentHealth{
			Name: name, Status: StatusOffline, LastCheckedAt: time.Now(),
			Details: map[string]any{"error": "health check timed out"},
		}
	}
	observability.HealthCheckDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return result
}

// CheckHealth runs every registered probe concurrently and synthesizes a
// SystemHealth snapshot. activeAgents/queueDepth/budget are overlay
// inputs, not probes themselves.
func (m *Monitor) CheckHealth(ctx context.Context, activeAgents, maxParallelAgents, queueDepth int, b *budget.State) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	fns := make([]CheckFunc, 0, len(m.checks))
	for name, fn := range m.checks {
		names = append(names, name)
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	results := make([]ComponentHealth, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.runWithTimeout(names[i], fns[i])
		}(i)
	}
	wg.Wait()

	components := make(map[string]ComponentHealth, len(results))
	degraded, offline := 0, 0
	for i, r := range results {
		r.Name = names[i]
		components[names[i]] = r
		switch r.Status {
		case StatusDegraded:
			degraded++
		case StatusOffline:
			offline++
		}
	}

	level := degradationLevel(len(results), degraded, offline)
	if b != nil {
		level = overlayBudget(level, b.Level)
	}

	observability.HealthDegradationLevel.Set(float64(level))

	return SystemHealth{
		State:             stateForLevel(level),
		DegradationLevel:  level,
		Components:        components,
		ActiveAgents:      activeAgents,
		MaxParallelAgents: maxParallelAgents,
		QueueDepth:        queueDepth,
		LastUpdatedAt:     time.Now(),
	}
}

// degradationLevel derives the base 0..4 level from component counts,
// before any budget overlay.
func degradationLevel(total, degraded, offline int) int {
	switch {
	case offline == 0 && degraded == 0:
		return 0
	case offline == 0:
		return 1
	case offline == 1:
		return 2
	case offline < total:
		return 3
	default:
		return 4
	}
}

// overlayBudget raises (never lowers) the level when budget severity
// demands it: critical floors the level at 2, exhausted floors it at 3.
// Component statuses themselves are never rewritten.
func overlayBudget(level int, bl budget.Level) int {
	switch bl {
	case budget.LevelCritical:
		if level < 2 {
			return 2
		}
	case budget.LevelExhausted:
		if level < 3 {
			return 3
		}
	}
	return level
}

func stateForLevel(level int) SystemState {
	switch level {
	case 0:
		return StateHealthy
	case 1, 2:
		return StateDegraded
	case 3:
		return StatePaused
	default:
		return StateOffline
	}
}
