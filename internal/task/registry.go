package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDependencyUnmet marks an attempted start on a task whose
	// dependencies are not all COMPLETED. The task stays PENDING.
	ErrDependencyUnmet = errors.New("task has unmet dependencies")
	ErrNotFound        = errors.New("task not found")
	ErrDuplicateTask   = errors.New("task id already registered")
)

// Registry is the shared, mutation-guarded store of task records. It keeps
// an explicit dependents index so eligibility checks and the unlock cascade
// on completion stay O(1) amortized instead of rescanning every record.
type Registry struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	order      []string            // insertion order, breaks priority ties
	dependents map[string][]string // dep id -> tasks waiting on it
	unmet      map[string]int      // task id -> count of non-COMPLETED deps
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		unmet:      make(map[string]int),
	}
}

// Add registers a task. Dependencies may reference tasks registered earlier;
// already-completed dependencies count as met.
func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	cp := t.clone()
	r.tasks[t.ID] = &cp
	r.order = append(r.order, t.ID)

	unmet := 0
	for _, dep := range t.Dependencies {
		if d, ok := r.tasks[dep]; ok && d.Status == StatusCompleted {
			continue
		}
		unmet++
		r.dependents[dep] = append(r.dependents[dep], t.ID)
	}
	r.unmet[t.ID] = unmet
	return nil
}

// Get returns a copy of the task record.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Start transitions a task PENDING -> IN_PROGRESS and records the assignee.
// A task with unmet dependencies is left PENDING and ErrDependencyUnmet is
// returned; the caller treats this as a scheduler invariant violation, never
// as a user-visible failure.
func (r *Registry) Start(id, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("task %s is %s, cannot start", id, t.Status)
	}
	if r.unmet[id] > 0 {
		return fmt.Errorf("%w: %s", ErrDependencyUnmet, id)
	}

	t.Status = StatusInProgress
	t.AssignedTo = agentID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete marks a task COMPLETED, attaches its output and returns the ids
// of dependents that became eligible. A COMPLETED task is immutable.
func (r *Registry) Complete(id string, out Output) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch t.Status {
	case StatusCompleted:
		return nil, fmt.Errorf("task %s already completed", id)
	case StatusFailed:
		return nil, fmt.Errorf("task %s is failed, cannot complete", id)
	}

	t.Status = StatusCompleted
	cp := out.clone()
	t.Output = &cp
	t.UpdatedAt = time.Now().UTC()

	var unlocked []string
	for _, dep := range r.dependents[id] {
		r.unmet[dep]--
		if r.unmet[dep] == 0 {
			if d, ok := r.tasks[dep]; ok && d.Status == StatusPending {
				unlocked = append(unlocked, dep)
			}
		}
	}
	delete(r.dependents, id)
	return unlocked, nil
}

// Fail marks a task FAILED. Failed tasks never retry in place; a retry is a
// new task with a fresh id.
func (r *Registry) Fail(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status == StatusCompleted {
		return fmt.Errorf("task %s already completed", id)
	}

	t.Status = StatusFailed
	t.FailReason = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Discharge releases the dependents of a FAILED task, returning the ids
// that became eligible. It is an explicit coordinator decision to continue
// without the failed work; dependency gating itself never treats FAILED as
// met.
func (r *Registry) Discharge(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != StatusFailed {
		return nil, fmt.Errorf("task %s is %s, only failed tasks discharge", id, t.Status)
	}

	var unlocked []string
	for _, dep := range r.dependents[id] {
		r.unmet[dep]--
		if r.unmet[dep] == 0 {
			if d, ok := r.tasks[dep]; ok && d.Status == StatusPending {
				unlocked = append(unlocked, dep)
			}
		}
	}
	delete(r.dependents, id)
	return unlocked, nil
}

// Release returns an IN_PROGRESS task to PENDING, clearing the assignee.
// Used when an assignment is withdrawn (escalation, worker removal) or a
// dependency-gate violation is observed.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != StatusInProgress {
		return nil
	}
	t.Status = StatusPending
	t.AssignedTo = ""
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Eligible returns copies of PENDING tasks whose dependencies are all met,
// ordered by priority (lower first), ties broken by insertion order.
func (r *Registry) Eligible() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Task
	for _, id := range r.order {
		t := r.tasks[id]
		if t.Status == StatusPending && r.unmet[id] == 0 {
			out = append(out, t.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Counts reports the number of tasks per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int, 4)
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}

// InFlight reports whether any task is IN_PROGRESS.
func (r *Registry) InFlight() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if t.Status == StatusInProgress {
			return true
		}
	}
	return false
}

// Snapshot returns copies of all tasks in insertion order.
func (r *Registry) Snapshot() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].clone())
	}
	return out
}
