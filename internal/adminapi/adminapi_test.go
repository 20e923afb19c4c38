package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fluxforge/queuemanager/internal/broker"
	"github.com/fluxforge/queuemanager/internal/budget"
	"github.com/fluxforge/queuemanager/internal/director/fakedirector"
	"github.com/fluxforge/queuemanager/internal/executor/fakeexecutor"
	"github.com/fluxforge/queuemanager/internal/failuretracker"
	"github.com/fluxforge/queuemanager/internal/fallbackqueue"
	"github.com/fluxforge/queuemanager/internal/health"
	"github.com/fluxforge/queuemanager/internal/logging"
	"github.com/fluxforge/queuemanager/internal/queuemanager"
	"github.com/fluxforge/queuemanager/internal/router"
	"github.com/fluxforge/queuemanager/internal/task"
	"github.com/fluxforge/queuemanager/internal/worker"
	"github.com/fluxforge/queuemanager/internal/workspace"
)

// --- minimal fakes to stand up a real queuemanager.Manager -----------

type fakeConn struct{ connected bool }

func (f *fakeConn) Ping(ctx context.Context) (string, error) {
	if !f.connected {
		return "", context.DeadlineExceeded
	}
	return "PONG", nil
}
func (f *fakeConn) Quit(ctx context.Context) error { return nil }
func (f *fakeConn) Disconnect() error              { return nil }
func (f *fakeConn) Status() string                 { return "ok" }
func (f *fakeConn) IsConnected() bool               { return f.connected }

type fakeQueue struct {
	mu     sync.Mutex
	jobs   map[string]task.QueueJobData
	failed map[string]broker.FailedJobView
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]task.QueueJobData{}, failed: map[string]broker.FailedJobView{}}
}
func (f *fakeQueue) Add(ctx context.Context, name string, data task.QueueJobData, opts broker.AddOptions) (broker.AddResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[opts.JobID] = data
	return broker.AddResult{ID: opts.JobID}, nil
}
func (f *fakeQueue) GetJobCounts(ctx context.Context) (broker.JobCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return broker.JobCounts{Waiting: len(f.jobs)}, nil
}
func (f *fakeQueue) GetJob(ctx context.Context, id string) (*broker.JobView, error) { return nil, nil }
func (f *fakeQueue) GetFailed(ctx context.Context, start, end int64) ([]broker.FailedJobView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.FailedJobView, 0, len(f.failed))
	for _, v := range f.failed {
		out = append(out, v)
	}
	return out, nil
}
func (f *fakeQueue) markFailed(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[taskID] = broker.FailedJobView{
		Data:      task.QueueJobData{TaskID: taskID, Skill: "writer"},
		FailedAt:  time.Now(),
		Attempts:  1,
		LastError: "boom",
		Retry: func(ctx context.Context) error {
			delete(f.failed, taskID)
			f.jobs[taskID] = task.QueueJobData{TaskID: taskID}
			return nil
		},
	}
}
func (f *fakeQueue) Obliterate(ctx context.Context) error { return nil }
func (f *fakeQueue) Close(ctx context.Context) error      { return nil }
func (f *fakeQueue) Pause(ctx context.Context) error      { return nil }
func (f *fakeQueue) Resume(ctx context.Context) error     { return nil }

type fakeWorker struct {
	running bool
}

func (w *fakeWorker) On(event string, handler func(job broker.JobHandle, payload any)) {}
func (w *fakeWorker) Start(ctx context.Context, handler broker.EventHandler)           { w.running = true }
func (w *fakeWorker) Close(ctx context.Context) error                                 { w.running = false; return nil }
func (w *fakeWorker) Pause(ctx context.Context) error                                  { return nil }
func (w *fakeWorker) Resume(ctx context.Context) error                                 { return nil }
func (w *fakeWorker) IsRunning() bool                                                  { return w.running }

type memWorkspace struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newMemWorkspace() *memWorkspace { return &memWorkspace{tasks: map[string]*task.Task{}} }
func (m *memWorkspace) ReadTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id], nil
}
func (m *memWorkspace) WriteTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}
func (m *memWorkspace) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = status
	}
	return nil
}
func (m *memWorkspace) ReadOutput(ctx context.Context, squad, skill, id string) ([]byte, error) {
	return nil, nil
}
func (m *memWorkspace) WriteOutput(ctx context.Context, squad, skill, id string, content []byte) error {
	return nil
}
func (m *memWorkspace) AppendLearning(ctx context.Context, l workspace.Learning) error { return nil }
func (m *memWorkspace) ListTasks(ctx context.Context) ([]*task.Task, error)            { return nil, nil }
func (m *memWorkspace) ListReviews(ctx context.Context, id string) ([]workspace.Review, error) {
	return nil, nil
}
func (m *memWorkspace) ReadFile(ctx context.Context, path string) ([]byte, error) { return nil, nil }

type fixedBudget struct{ snap budget.State }

func (f fixedBudget) Snapshot() budget.State { return f.snap }

type fixedAgents struct{ active, max int }

func (f fixedAgents) ActiveAgents() int      { return f.active }
func (f fixedAgents) MaxParallelAgents() int { return f.max }

func allowAll() budget.State { return budget.State{Level: budget.LevelNormal} }

// --- test harness ------------------------------------------------------

func newTestServer(t *testing.T, token string) (*Server, *fakeQueue, *fakeConn) {
	t.Helper()
	log := logging.New(io.Discard, "adminapi-test", logging.LevelError)
	conn := &fakeConn{connected: true}
	q := newFakeQueue()
	wrk := &fakeWorker{running: true}
	ws := newMemWorkspace()
	gate := budget.New(budget.NopSink{})
	tracker := failuretracker.New(3, failuretracker.NopSink{})
	fb := fallbackqueue.New(t.TempDir())
	monitor := health.New(2 * time.Second)
	rtr := router.New(map[string]string{}, ws, fakedirector.New(), func() string { return "t-new" })
	proc := worker.New(fixedBudget{snap: allowAll()}, gate, tracker, ws, fakeexecutor.New(), rtr, log)

	mgr := queuemanager.New(
		queuemanager.Config{QueueName: "q", HealthCheckInterval: time.Second, CascadeThreshold: 3},
		log, gate, fixedBudget{snap: allowAll()}, tracker, fb, ws, monitor,
		conn, q, wrk, proc,
	)

	srv := New(mgr, fixedBudget{snap: allowAll()}, fixedAgents{active: 1, max: 3}, token, log)
	return srv, q, conn
}

func TestHealthzReturnsSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", w.Code, w.Body.String())
	}
	var snap queuemanager.HealthSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthzRequiresBearerTokenWhenConfigured(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("got status %d with correct token, want 200", w2.Code)
	}
}

func TestHealthzRejectsWrongToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", w.Code)
	}
}

func TestDeadLettersListsFailedJobs(t *testing.T) {
	srv, q, _ := newTestServer(t, "")
	q.markFailed("task-1")

	req := httptest.NewRequest(http.MethodGet, "/deadletters", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	var entries []task.DeadLetterEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != "task-1" {
		t.Fatalf("got %+v", entries)
	}
}

func TestRetryDeadLetterReadmitsJob(t *testing.T) {
	srv, q, _ := newTestServer(t, "")
	q.markFailed("task-1")

	req := httptest.NewRequest(http.MethodPost, "/deadletters/task-1/retry", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", w.Code, w.Body.String())
	}
}

func TestRetryDeadLetterUnknownTaskReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/deadletters/nope/retry", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestFallbackDepthReturnsCount(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/fallback/depth", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["deadLetterCount"]; !ok {
		t.Fatalf("missing deadLetterCount in %+v", body)
	}
}

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
}
