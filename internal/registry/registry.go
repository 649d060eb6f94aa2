// Package registry tracks the worker and manager pool. It is the only
// shared mutable state besides the task registry, so every field access
// goes through the mutex; records returned to callers are copies.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownAgent      = errors.New("agent not registered")
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// emaAlpha is the smoothing factor for performance scores.
const emaAlpha = 0.3

// WorkerRecord describes one specialist worker.
type WorkerRecord struct {
	ID               string
	ManagerID        string
	Expertise        []string
	Available        bool
	ActiveTaskCount  int
	Capacity         int
	PerformanceScore float64
}

// HasExpertise reports whether the worker covers a domain.
func (w WorkerRecord) HasExpertise(domain string) bool {
	for _, e := range w.Expertise {
		if e == domain {
			return true
		}
	}
	return false
}

// ManagerRecord describes one domain manager.
type ManagerRecord struct {
	ID               string
	Expertise        []string
	WorkerIDs        []string
	PerformanceScore float64
}

func (m ManagerRecord) HasExpertise(domain string) bool {
	for _, e := range m.Expertise {
		if e == domain {
			return true
		}
	}
	return false
}

type Registry struct {
	mu       sync.RWMutex
	workers  map[string]*WorkerRecord
	managers map[string]*ManagerRecord
	order    []string // manager registration order, for stable fallbacks
}

func New() *Registry {
	return &Registry{
		workers:  make(map[string]*WorkerRecord),
		managers: make(map[string]*ManagerRecord),
	}
}

// AddManager registers a manager for a set of expertise domains.
func (r *Registry) AddManager(id string, expertise []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[id]; exists {
		return fmt.Errorf("manager %s already registered", id)
	}
	r.managers[id] = &ManagerRecord{
		ID:               id,
		Expertise:        append([]string(nil), expertise...),
		PerformanceScore: 0.5,
	}
	r.order = append(r.order, id)
	return nil
}

// AddWorker registers a worker under a manager. Capacity defaults to 1.
func (r *Registry) AddWorker(id, managerID string, expertise []string, capacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mgr, ok := r.managers[managerID]
	if !ok {
		return fmt.Errorf("%w: manager %s", ErrUnknownAgent, managerID)
	}
	if _, exists := r.workers[id]; exists {
		return fmt.Errorf("worker %s already registered", id)
	}
	if capacity <= 0 {
		capacity = 1
	}
	r.workers[id] = &WorkerRecord{
		ID:               id,
		ManagerID:        managerID,
		Expertise:        append([]string(nil), expertise...),
		Available:        true,
		Capacity:         capacity,
		PerformanceScore: 0.5,
	}
	mgr.WorkerIDs = append(mgr.WorkerIDs, id)
	return nil
}

// RemoveWorker drops a worker from the pool. In-flight work is the owning
// manager's problem to reassign or escalate.
func (r *Registry) RemoveWorker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: worker %s", ErrUnknownAgent, id)
	}
	if mgr, ok := r.managers[w.ManagerID]; ok {
		for i, wid := range mgr.WorkerIDs {
			if wid == id {
				mgr.WorkerIDs = append(mgr.WorkerIDs[:i], mgr.WorkerIDs[i+1:]...)
				break
			}
		}
	}
	delete(r.workers, id)
	return nil
}

// Worker returns a copy of a worker record.
func (r *Registry) Worker(id string) (WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return WorkerRecord{}, false
	}
	return *w, true
}

// Manager returns a copy of a manager record.
func (r *Registry) Manager(id string) (ManagerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	if !ok {
		return ManagerRecord{}, false
	}
	cp := *m
	cp.WorkerIDs = append([]string(nil), m.WorkerIDs...)
	cp.Expertise = append([]string(nil), m.Expertise...)
	return cp, true
}

// AvailableWorkers lists a manager's available workers in registration
// order.
func (r *Registry) AvailableWorkers(managerID string) []WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mgr, ok := r.managers[managerID]
	if !ok {
		return nil
	}
	var out []WorkerRecord
	for _, wid := range mgr.WorkerIDs {
		if w, ok := r.workers[wid]; ok && w.Available {
			out = append(out, *w)
		}
	}
	return out
}

// Reserve claims one unit of a worker's capacity. An unavailable worker is
// never newly assigned work. Reaching capacity flips the worker
// unavailable, preserving activeTaskCount <= capacity at all times.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: worker %s", ErrUnknownAgent, id)
	}
	if !w.Available || w.ActiveTaskCount >= w.Capacity {
		return fmt.Errorf("%w: %s", ErrWorkerUnavailable, id)
	}
	w.ActiveTaskCount++
	if w.ActiveTaskCount >= w.Capacity {
		w.Available = false
	}
	return nil
}

// Release returns one unit of capacity.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	if w.ActiveTaskCount > 0 {
		w.ActiveTaskCount--
	}
	if w.ActiveTaskCount < w.Capacity {
		w.Available = true
	}
}

// RecordOutcome folds a completed task's confidence weight into the
// worker's performance score (exponential moving average) and its manager's
// score.
func (r *Registry) RecordOutcome(workerID string, weight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.PerformanceScore = emaAlpha*weight + (1-emaAlpha)*w.PerformanceScore
	if mgr, ok := r.managers[w.ManagerID]; ok {
		mgr.PerformanceScore = emaAlpha*weight + (1-emaAlpha)*mgr.PerformanceScore
	}
}

// ManagerFor returns the manager owning an expertise domain. With several
// candidates the highest performance score wins, ties broken by
// registration order.
func (r *Registry) ManagerFor(domain string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	bestScore := -1.0
	for _, id := range r.order {
		m := r.managers[id]
		if m.HasExpertise(domain) && m.PerformanceScore > bestScore {
			best, bestScore = id, m.PerformanceScore
		}
	}
	return best, best != ""
}

// ManagersFor lists managers covering a domain, ranked by performance score
// descending, ties broken by registration order.
func (r *Registry) ManagersFor(domain string) []ManagerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ManagerRecord
	for _, id := range r.order {
		if m := r.managers[id]; m.HasExpertise(domain) {
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PerformanceScore > out[j].PerformanceScore
	})
	return out
}

// LeastLoadedManager returns the manager with the fewest busy workers, the
// reassignment fallback when no expertise match exists.
func (r *Registry) LeastLoadedManager() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	bestLoad := -1
	for _, id := range r.order {
		m := r.managers[id]
		load := 0
		for _, wid := range m.WorkerIDs {
			if w, ok := r.workers[wid]; ok {
				load += w.ActiveTaskCount
			}
		}
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = id, load
		}
	}
	return best, best != ""
}

// Managers lists all manager ids in registration order.
func (r *Registry) Managers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
