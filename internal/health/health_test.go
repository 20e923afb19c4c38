package health

import (
	"context"
	"testing"
	"time"

	"github.com/fluxforge/queuemanager/internal/budget"
)

func healthyCheck(name string) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Name: name, Status: StatusHealthy, LastCheckedAt: time.Now()}
	}
}

func offlineCheck(name string) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Name: name, Status: StatusOffline, LastCheckedAt: time.Now()}
	}
}

func slowCheck(name string, d time.Duration) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		select {
		case <-time.After(d):
			return ComponentHealth{Name: name, Status: StatusHealthy, LastCheckedAt: time.Now()}
		case <-ctx.Done():
			return ComponentHealth{Name: name, Status: StatusOffline, LastCheckedAt: time.Now()}
		}
	}
}

func TestAllHealthyIsLevelZero(t *testing.T) {
	m := New(50 * time.Millisecond)
	m.Register("redis", healthyCheck("redis"))
	m.Register("workspace", healthyCheck("workspace"))

	snap := m.CheckHealth(context.Background(), 0, 3, 0, nil)
	if snap.DegradationLevel != 0 || snap.State != StateHealthy {
		t.Fatalf("got level=%d state=%s, want 0/HEALTHY", snap.DegradationLevel, snap.State)
	}
}

func TestOneOfflineIsLevelTwo(t *testing.T) {
	m := New(50 * time.Millisecond)
	m.Register("redis", offlineCheck("redis"))
	m.Register("workspace", healthyCheck("workspace"))

	snap := m.CheckHealth(context.Background(), 0, 3, 0, nil)
	if snap.DegradationLevel != 2 || snap.State != StateDegraded {
		t.Fatalf("got level=%d state=%s, want 2/DEGRADED", snap.DegradationLevel, snap.State)
	}
}

func TestAllOfflineIsLevelFour(t *testing.T) {
	m := New(50 * time.Millisecond)
	m.Register("redis", offlineCheck("redis"))
	m.Register("workspace", offlineCheck("workspace"))

	snap := m.CheckHealth(context.Background(), 0, 3, 0, nil)
	if snap.DegradationLevel != 4 || snap.State != StateOffline {
		t.Fatalf("got level=%d state=%s, want 4/OFFLINE", snap.DegradationLevel, snap.State)
	}
}

func TestSlowCheckTimesOutAsOffline(t *testing.T) {
	m := New(20 * time.Millisecond)
	m.Register("sluggish", slowCheck("sluggish", 200*time.Millisecond))

	snap := m.CheckHealth(context.Background(), 0, 3, 0, nil)
	c := snap.Components["sluggish"]
	if c.Status != StatusOffline {
		t.Fatalf("got status %s, want offline on timeout", c.Status)
	}
}

func TestBudgetOverlayNeverLowersLevel(t *testing.T) {
	m := New(50 * time.Millisecond)
	m.Register("redis", healthyCheck("redis"))

	b := &budget.State{Level: budget.LevelExhausted}
	snap := m.CheckHealth(context.Background(), 0, 3, 0, b)
	if snap.DegradationLevel < 3 {
		t.Fatalf("exhausted budget should floor level at 3, got %d", snap.DegradationLevel)
	}
}

func TestBudgetOverlayDoesNotLowerWorseComponentLevel(t *testing.T) {
	m := New(50 * time.Millisecond)
	m.Register("a", offlineCheck("a"))
	m.Register("b", offlineCheck("b"))

	b := &budget.State{Level: budget.LevelWarning}
	snap := m.CheckHealth(context.Background(), 0, 3, 0, b)
	if snap.DegradationLevel != 4 {
		t.Fatalf("component-derived level 4 must not be lowered by a milder budget level, got %d", snap.DegradationLevel)
	}
}

func TestPanickingCheckBecomesOffline(t *testing.T) {
	m := New(50 * time.Millisecond)
	m.Register("flaky", func(ctx context.Context) ComponentHealth {
		panic("boom")
	})

	snap := m.CheckHealth(context.Background(), 0, 3, 0, nil)
	if snap.Components["flaky"].Status != StatusOffline {
		t.Fatalf("panicking check should surface as offline, got %s", snap.Components["flaky"].Status)
	}
}
