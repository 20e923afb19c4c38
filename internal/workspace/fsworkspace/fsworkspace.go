// Package fsworkspace is a filesystem-backed implementation of
// workspace.Workspace: one JSON file per task under root/tasks, output
// artifacts under root/outputs/{squad}/{skill}, and an append-only
// newline-delimited learnings log at root/learnings.jsonl. It is adapted
// from the teacher's store/memory.go key-prefixed map shape, generalized
// from an in-memory map to a file per key so state survives a restart —
// the concrete stand-in for the otherwise external Workspace contract.
package fsworkspace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fluxforge/queuemanager/internal/task"
	"github.com/fluxforge/queuemanager/internal/workspace"
)

// Workspace implements workspace.Workspace over a directory tree.
type Workspace struct {
	root string

	mu       sync.RWMutex // serializes the learnings log append
	initOnce sync.Once
	initErr  error
}

// New returns a Workspace rooted at root. Directories are created lazily.
func New(root string) *Workspace {
	return &Workspace{root: root}
}

func (w *Workspace) ensureDirs() error {
	w.initOnce.Do(func() {
		for _, d := range []string{w.tasksDir(), w.outputsDir()} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				w.initErr = err
				return
			}
		}
	})
	return w.initErr
}

func (w *Workspace) tasksDir() string       { return filepath.Join(w.root, "tasks") }
func (w *Workspace) outputsDir() string     { return filepath.Join(w.root, "outputs") }
func (w *Workspace) taskPath(id string) string { return filepath.Join(w.tasksDir(), id+".json") }
func (w *Workspace) learningsPath() string  { return filepath.Join(w.root, "learnings.jsonl") }

// ReadTask returns the task stored at id, or nil if it doesn't exist.
func (w *Workspace) ReadTask(ctx context.Context, id string) (*task.Task, error) {
	if err := w.ensureDirs(); err != nil {
		return nil, fmt.Errorf("fsworkspace: init: %w", err)
	}
	body, err := os.ReadFile(w.taskPath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsworkspace: read task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("fsworkspace: decode task %s: %w", id, err)
	}
	return &t, nil
}

// WriteTask writes t, overwriting any existing file for t.ID.
func (w *Workspace) WriteTask(ctx context.Context, t *task.Task) error {
	if err := w.ensureDirs(); err != nil {
		return fmt.Errorf("fsworkspace: init: %w", err)
	}
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("fsworkspace: encode task %s: %w", t.ID, err)
	}
	path := w.taskPath(t.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("fsworkspace: write task %s: %w", t.ID, err)
	}
	return os.Rename(tmp, path)
}

// UpdateTaskStatus reads the task, mutates its status, and writes it back.
func (w *Workspace) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	t, err := w.ReadTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("fsworkspace: update status: task %s not found", id)
	}
	t.Status = status
	return w.WriteTask(ctx, t)
}

// ReadOutput reads the artifact at outputs/{squad}/{skill}/{id}.
func (w *Workspace) ReadOutput(ctx context.Context, squad, skill, id string) ([]byte, error) {
	path := filepath.Join(w.outputsDir(), squad, skill, id)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fsworkspace: read output %s: %w", path, err)
	}
	return body, nil
}

// WriteOutput writes content to outputs/{squad}/{skill}/{id}, creating
// intermediate directories as needed.
func (w *Workspace) WriteOutput(ctx context.Context, squad, skill, id string, content []byte) error {
	dir := filepath.Join(w.outputsDir(), squad, skill)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsworkspace: create output dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, id), content, 0o644)
}

// AppendLearning appends one JSON line to the learnings log.
func (w *Workspace) AppendLearning(ctx context.Context, l workspace.Learning) error {
	if err := w.ensureDirs(); err != nil {
		return fmt.Errorf("fsworkspace: init: %w", err)
	}
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("fsworkspace: encode learning: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.learningsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fsworkspace: open learnings log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("fsworkspace: append learning: %w", err)
	}
	return nil
}

// ListTasks reads every task file under tasks/.
func (w *Workspace) ListTasks(ctx context.Context) ([]*task.Task, error) {
	if err := w.ensureDirs(); err != nil {
		return nil, fmt.Errorf("fsworkspace: init: %w", err)
	}
	entries, err := os.ReadDir(w.tasksDir())
	if err != nil {
		return nil, fmt.Errorf("fsworkspace: list tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		t, err := w.ReadTask(ctx, id)
		if err != nil || t == nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ListReviews is not backed by this reference adapter — director review
// history belongs to the external director, not the workspace. Returns an
// empty slice rather than an error since callers treat "no reviews yet" as
// a normal state.
func (w *Workspace) ListReviews(ctx context.Context, id string) ([]workspace.Review, error) {
	return nil, nil
}

// ReadFile reads an arbitrary path relative to the workspace root, used for
// input artifacts a task names directly.
func (w *Workspace) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full := filepath.Join(w.root, path)
	body, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("fsworkspace: read file %s: %w", path, err)
	}
	return body, nil
}

// readLearnings is a test/diagnostic helper reading back the append-only
// log in order.
func readLearnings(path string) ([]workspace.Learning, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []workspace.Learning
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var l workspace.Learning
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, scanner.Err()
}
