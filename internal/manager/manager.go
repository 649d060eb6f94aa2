// Package manager implements the domain managers in the middle of the
// pool. A manager owns the workers for one expertise domain: it decomposes
// assigned tasks into worker-sized subtasks, dispatches them with bounded
// concurrency, aggregates the results and escalates to the supervisor when
// it gets stuck.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/engine"
	"github.com/mtzanidakis/epoptis/internal/registry"
	"github.com/mtzanidakis/epoptis/internal/task"
)

// Executor is the manager's view of a worker. Satisfied by *worker.Worker.
type Executor interface {
	ID() string
	Execute(ctx context.Context, t task.Task) (task.Output, error)
}

// AssistPolicy decides whether a worker's assistance request can be
// resolved locally. Resolution returns the replacement output.
type AssistPolicy func(ctx context.Context, req bus.AssistanceRequest) (task.Output, bool)

// EngineAssist asks the analysis engine itself whether it can resolve a
// worker-reported issue.
func EngineAssist(eng engine.Engine) AssistPolicy {
	return func(ctx context.Context, req bus.AssistanceRequest) (task.Output, bool) {
		raw, err := eng.Analyze(ctx, engine.AssistanceInstructions(req.Issue), "")
		if err != nil || strings.Contains(raw, "CANNOT_RESOLVE") {
			return task.Output{}, false
		}
		content, conf, err := engine.StrictParse(raw)
		if err != nil {
			return task.Output{}, false
		}
		out := engine.ParseOutput(req.TaskID, "assist", raw)
		out.Content = content
		out.Confidence = conf
		return out, true
	}
}

type Config struct {
	ID           string
	Expertise    []string
	SupervisorID string
	Tasks        *task.Registry
	Agents       *registry.Registry
	Client       *bus.Client
	Engine       engine.Engine
	Decompose    DecomposePolicy // DefaultDecompose when nil
	Assist       AssistPolicy    // EngineAssist when nil
}

type Manager struct {
	id           string
	expertise    []string
	supervisorID string
	tasks        *task.Registry
	agents       *registry.Registry
	client       *bus.Client
	inbox        *bus.Inbox
	engine       engine.Engine
	decompose    DecomposePolicy
	assist       AssistPolicy

	mu       sync.Mutex
	handles  map[string]Executor
	active   map[string]*aggregation // parent task id -> state
	subOwner map[string]string       // subtask id -> parent task id
}

// aggregation tracks one assigned task across its dispatched subtasks. The
// parent is finalized only when every subtask has reported a result or a
// terminal failure, or the whole task has been escalated.
type aggregation struct {
	parent    task.Task
	order     []string // subtask ids in decomposition order
	outputs   map[string]task.Output
	failures  map[string]string
	assignee  map[string]string // subtask id -> worker id
	escalated bool
}

func (a *aggregation) settled() bool {
	return len(a.outputs)+len(a.failures) >= len(a.order)
}

func New(cfg Config) (*Manager, error) {
	if cfg.Decompose == nil {
		cfg.Decompose = DefaultDecompose
	}
	if cfg.Assist == nil {
		cfg.Assist = EngineAssist(cfg.Engine)
	}
	if err := cfg.Agents.AddManager(cfg.ID, cfg.Expertise); err != nil {
		return nil, err
	}

	m := &Manager{
		id:           cfg.ID,
		expertise:    cfg.Expertise,
		supervisorID: cfg.SupervisorID,
		tasks:        cfg.Tasks,
		agents:       cfg.Agents,
		client:       cfg.Client,
		engine:       cfg.Engine,
		decompose:    cfg.Decompose,
		assist:       cfg.Assist,
		handles:      make(map[string]Executor),
		active:       make(map[string]*aggregation),
		subOwner:     make(map[string]string),
	}

	inbox, err := bus.NewInbox(cfg.Client, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("manager %s inbox: %w", cfg.ID, err)
	}
	m.inbox = inbox
	return m, nil
}

func (m *Manager) ID() string { return m.id }

// AddWorker registers a worker in the pool.
func (m *Manager) AddWorker(exec Executor, expertise []string, capacity int) error {
	if err := m.agents.AddWorker(exec.ID(), m.id, expertise, capacity); err != nil {
		return err
	}
	m.mu.Lock()
	m.handles[exec.ID()] = exec
	m.mu.Unlock()
	return nil
}

// RemoveWorker drops a worker. Its incomplete subtasks are reassigned to
// another available worker of this manager if one exists, otherwise the
// owning task is escalated.
func (m *Manager) RemoveWorker(ctx context.Context, workerID string) error {
	if err := m.agents.RemoveWorker(workerID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.handles, workerID)

	type orphan struct {
		parentID string
		subID    string
	}
	var orphans []orphan
	for _, agg := range m.active {
		for subID, wid := range agg.assignee {
			if wid != workerID || agg.escalated {
				continue
			}
			if _, done := agg.outputs[subID]; done {
				continue
			}
			if _, failed := agg.failures[subID]; failed {
				continue
			}
			orphans = append(orphans, orphan{parentID: agg.parent.ID, subID: subID})
		}
	}
	m.mu.Unlock()

	for _, o := range orphans {
		m.reassignSubtask(ctx, o.parentID, o.subID, workerID)
	}
	return nil
}

func (m *Manager) reassignSubtask(ctx context.Context, parentID, subID, removedWorker string) {
	sub, ok := m.tasks.Get(subID)
	if !ok {
		return
	}
	_ = m.tasks.Release(subID)

	avail := m.agents.AvailableWorkers(m.id)
	if len(avail) == 0 {
		m.mu.Lock()
		agg := m.active[parentID]
		var partials []task.Output
		if agg != nil {
			agg.escalated = true
			partials = agg.partials()
		}
		m.mu.Unlock()
		m.escalate(parentID, bus.ReasonWorkerRemoved,
			fmt.Sprintf("worker %s removed mid-task, no replacement in pool", removedWorker), partials)
		return
	}

	replacement := avail[0]
	m.mu.Lock()
	if agg, ok := m.active[parentID]; ok {
		agg.assignee[subID] = replacement.ID
	}
	m.mu.Unlock()

	slog.Info("reassigning subtask after worker removal",
		"manager", m.id, "subtask", subID, "from", removedWorker, "to", replacement.ID)
	m.runSubtask(ctx, replacement.ID, sub)
	m.collectResponses(ctx)
	m.maybeFinalize(parentID)
}

func (a *aggregation) partials() []task.Output {
	out := make([]task.Output, 0, len(a.outputs))
	for _, id := range a.order {
		if o, ok := a.outputs[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// HandleTaskAssignment runs one task end to end: decomposition, dispatch,
// aggregation. With no available workers it escalates immediately and
// leaves the task PENDING.
func (m *Manager) HandleTaskAssignment(ctx context.Context, t task.Task) error {
	avail := m.agents.AvailableWorkers(m.id)
	if len(avail) == 0 {
		m.escalate(t.ID, bus.ReasonNoWorkerAvailable, "no available workers at assignment time", nil)
		return nil
	}

	if err := m.tasks.Start(t.ID, m.id); err != nil {
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}

	subs := m.decompose(t, len(avail))
	if len(subs) == 0 || len(subs) > len(avail) {
		_ = m.tasks.Release(t.ID)
		return fmt.Errorf("decomposition of %s produced %d subtasks for %d workers", t.ID, len(subs), len(avail))
	}

	agg := &aggregation{
		parent:   t,
		outputs:  make(map[string]task.Output),
		failures: make(map[string]string),
		assignee: make(map[string]string),
	}
	m.mu.Lock()
	for i := range subs {
		agg.order = append(agg.order, subs[i].ID)
		m.subOwner[subs[i].ID] = t.ID
	}
	m.active[t.ID] = agg
	m.mu.Unlock()

	for i := range subs {
		if err := m.tasks.Add(&subs[i]); err != nil {
			return fmt.Errorf("register subtask: %w", err)
		}
	}

	slog.Info("task decomposed", "manager", m.id, "task", t.ID, "subtasks", len(subs), "workers", len(avail))

	m.dispatch(ctx, agg, subs, avail)
	m.collectResponses(ctx)
	m.maybeFinalize(t.ID)
	return nil
}

// dispatch runs subtasks in dependency waves. Within a wave, each worker
// processes its share sequentially while distinct workers run in parallel.
func (m *Manager) dispatch(ctx context.Context, agg *aggregation, subs []task.Task, avail []registry.WorkerRecord) {
	done := make(map[string]bool)

	for len(done) < len(subs) {
		var wave []task.Task
		for _, sub := range subs {
			if done[sub.ID] {
				continue
			}
			ready := true
			for _, dep := range sub.Dependencies {
				dt, ok := m.tasks.Get(dep)
				if !ok || dt.Status == task.StatusPending || dt.Status == task.StatusInProgress {
					ready = false
					break
				}
				if dt.Status == task.StatusFailed {
					// A failed prerequisite is terminal for its dependents.
					_ = m.tasks.Fail(sub.ID, "prerequisite subtask failed")
					m.mu.Lock()
					agg.failures[sub.ID] = "prerequisite subtask failed"
					m.mu.Unlock()
					done[sub.ID] = true
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, sub)
			}
		}
		if len(done) >= len(subs) {
			return
		}
		if len(wave) == 0 {
			// Dependency deadlock inside the decomposition; terminal.
			for _, sub := range subs {
				if !done[sub.ID] {
					_ = m.tasks.Fail(sub.ID, "unresolvable subtask dependency")
					m.mu.Lock()
					agg.failures[sub.ID] = "unresolvable subtask dependency"
					m.mu.Unlock()
					done[sub.ID] = true
				}
			}
			return
		}

		assignment := matchWorkers(len(wave), len(avail))
		queues := make(map[string][]task.Task)
		for i, sub := range wave {
			wid := avail[assignment[i]].ID
			queues[wid] = append(queues[wid], sub)
			m.mu.Lock()
			agg.assignee[sub.ID] = wid
			m.mu.Unlock()
			done[sub.ID] = true
		}

		var wg sync.WaitGroup
		for wid, queue := range queues {
			wg.Add(1)
			go func(wid string, queue []task.Task) {
				defer wg.Done()
				for _, sub := range queue {
					m.runSubtask(ctx, wid, sub)
				}
			}(wid, queue)
		}
		wg.Wait()

		// Wave results must land before the next wave's dependency check.
		m.collectResponses(ctx)
	}
}

func (m *Manager) runSubtask(ctx context.Context, workerID string, sub task.Task) {
	m.mu.Lock()
	exec, ok := m.handles[workerID]
	m.mu.Unlock()
	if !ok {
		_ = m.tasks.Fail(sub.ID, fmt.Sprintf("worker %s not in pool", workerID))
		m.recordFailure(sub.ID, "worker not in pool")
		return
	}

	if err := m.agents.Reserve(workerID); err != nil {
		_ = m.tasks.Fail(sub.ID, err.Error())
		m.recordFailure(sub.ID, err.Error())
		return
	}
	defer m.agents.Release(workerID)

	if err := m.tasks.Start(sub.ID, workerID); err != nil {
		slog.Warn("subtask start rejected", "manager", m.id, "subtask", sub.ID, "error", err)
		_ = m.tasks.Fail(sub.ID, err.Error())
		m.recordFailure(sub.ID, err.Error())
		return
	}

	if _, err := exec.Execute(ctx, sub); err != nil {
		// The worker has already raised an assistance request for
		// engine-level failures; capability errors end here.
		_ = m.tasks.Fail(sub.ID, err.Error())
		m.recordFailure(sub.ID, err.Error())
	}
}

// collectResponses drains the inbox and feeds worker messages through
// HandleWorkerResponse.
func (m *Manager) collectResponses(ctx context.Context) {
	msgs, err := m.inbox.Drain(ctx)
	if err != nil {
		slog.Error("manager drain failed", "manager", m.id, "error", err)
		return
	}
	for _, msg := range msgs {
		if err := m.HandleWorkerResponse(ctx, msg); err != nil {
			slog.Warn("worker response dropped", "manager", m.id, "purpose", msg.Purpose, "error", err)
		}
	}
}

// HandleWorkerResponse applies one worker message to the aggregation and
// registry bookkeeping.
func (m *Manager) HandleWorkerResponse(ctx context.Context, msg bus.Message) error {
	switch msg.Purpose {
	case bus.PurposeTaskCompleted:
		tc, err := bus.Decode[bus.TaskCompleted](msg)
		if err != nil {
			return err
		}
		return m.recordCompletion(tc)

	case bus.PurposeTaskFailed:
		tf, err := bus.Decode[bus.TaskFailed](msg)
		if err != nil {
			return err
		}
		m.recordFailure(tf.TaskID, tf.Reason)
		return nil

	case bus.PurposeAssistanceRequest:
		ar, err := bus.Decode[bus.AssistanceRequest](msg)
		if err != nil {
			return err
		}
		m.handleAssistance(ctx, ar)
		return nil

	default:
		return fmt.Errorf("unexpected purpose %s from %s", msg.Purpose, msg.Sender)
	}
}

func (m *Manager) recordCompletion(tc bus.TaskCompleted) error {
	if _, err := m.tasks.Complete(tc.TaskID, tc.Output); err != nil {
		return err
	}
	m.agents.RecordOutcome(tc.AgentID, tc.Output.Confidence.Weight())

	m.mu.Lock()
	parentID, ok := m.subOwner[tc.TaskID]
	if ok {
		if agg, live := m.active[parentID]; live {
			agg.outputs[tc.TaskID] = tc.Output
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) recordFailure(subID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if parentID, ok := m.subOwner[subID]; ok {
		if agg, live := m.active[parentID]; live {
			agg.failures[subID] = reason
		}
	}
}

// handleAssistance asks the engine whether the issue is locally resolvable;
// if not, the owning task is escalated with full context.
func (m *Manager) handleAssistance(ctx context.Context, ar bus.AssistanceRequest) {
	m.mu.Lock()
	parentID, owned := m.subOwner[ar.TaskID]
	m.mu.Unlock()
	if !owned {
		slog.Warn("assistance request for unknown subtask", "manager", m.id, "subtask", ar.TaskID)
		return
	}

	if out, ok := m.assist(ctx, ar); ok {
		slog.Info("assistance resolved locally", "manager", m.id, "subtask", ar.TaskID)
		m.mu.Lock()
		if agg, live := m.active[parentID]; live {
			agg.outputs[ar.TaskID] = out
			delete(agg.failures, ar.TaskID)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	agg := m.active[parentID]
	var partials []task.Output
	var workers []string
	if agg != nil {
		agg.escalated = true
		partials = agg.partials()
		for _, wid := range agg.assignee {
			workers = append(workers, wid)
		}
		// The subtask is terminal either way.
		agg.failures[ar.TaskID] = ar.Issue
	}
	m.mu.Unlock()

	m.escalateWith(parentID, bus.ReasonAssistanceUnsolved, ar.Issue, workers, partials)
}

// maybeFinalize merges the subtask results once every dispatched subtask
// has reported, and reports a single response to the supervisor.
func (m *Manager) maybeFinalize(parentID string) {
	m.mu.Lock()
	agg, ok := m.active[parentID]
	if !ok || agg.escalated || !agg.settled() {
		m.mu.Unlock()
		return
	}
	delete(m.active, parentID)
	for _, subID := range agg.order {
		delete(m.subOwner, subID)
	}
	outputs := agg.partials()
	parent := agg.parent
	m.mu.Unlock()

	if len(outputs) == 0 {
		_ = m.tasks.Release(parent.ID)
		m.escalate(parent.ID, bus.ReasonAllSubtasksFailed, "every subtask failed", nil)
		return
	}

	merged := task.Merge(parent.ID, m.id, outputs)
	if _, err := m.tasks.Complete(parent.ID, merged); err != nil {
		slog.Error("finalize complete failed", "manager", m.id, "task", parent.ID, "error", err)
		return
	}

	msg, err := bus.NewMessage(bus.KindResponse, m.id, []string{m.supervisorID},
		bus.PurposeTaskCompleted, bus.TaskCompleted{TaskID: parent.ID, AgentID: m.id, Output: merged})
	if err != nil {
		slog.Error("finalize message", "manager", m.id, "error", err)
		return
	}
	msg.CorrelationID = parent.ID
	if err := m.client.Send(msg); err != nil {
		slog.Error("finalize send", "manager", m.id, "task", parent.ID, "error", err)
	}
	slog.Info("task finalized", "manager", m.id, "task", parent.ID,
		"results", len(outputs), "confidence", merged.Confidence)
}

func (m *Manager) escalate(taskID string, reason bus.EscalationReason, detail string, partials []task.Output) {
	m.escalateWith(taskID, reason, detail, nil, partials)
}

func (m *Manager) escalateWith(taskID string, reason bus.EscalationReason, detail string, workers []string, partials []task.Output) {
	t, ok := m.tasks.Get(taskID)
	if !ok {
		slog.Error("escalation for unknown task", "manager", m.id, "task", taskID)
		return
	}
	_ = m.tasks.Release(taskID)
	t, _ = m.tasks.Get(taskID)

	msg, err := bus.NewMessage(bus.KindEscalate, m.id, []string{m.supervisorID},
		bus.PurposeEscalation, bus.Escalation{
			Task:     t,
			Reason:   reason,
			Detail:   detail,
			Workers:  workers,
			Partials: partials,
		})
	if err != nil {
		slog.Error("escalation message", "manager", m.id, "error", err)
		return
	}
	if err := m.client.Send(msg); err != nil {
		slog.Error("escalation send", "manager", m.id, "task", taskID, "error", err)
		return
	}
	slog.Warn("task escalated", "manager", m.id, "task", taskID, "reason", reason)
}

// Step drains the inbox, handling assignments and guidance from the
// supervisor plus any straggler worker messages, then routes control back
// to the supervisor.
func (m *Manager) Step(ctx context.Context) (string, error) {
	msgs, err := m.inbox.Drain(ctx)
	if err != nil {
		return "", fmt.Errorf("manager %s drain: %w", m.id, err)
	}

	for _, msg := range msgs {
		switch msg.Purpose {
		case bus.PurposeTaskAssignment:
			ta, err := bus.Decode[bus.TaskAssignment](msg)
			if err != nil {
				slog.Warn("malformed assignment", "manager", m.id, "error", err)
				continue
			}
			if err := m.HandleTaskAssignment(ctx, ta.Task); err != nil {
				return "", err
			}

		case bus.PurposeGuidance:
			g, err := bus.Decode[bus.Guidance](msg)
			if err != nil {
				slog.Warn("malformed guidance", "manager", m.id, "error", err)
				continue
			}
			m.applyGuidance(ctx, g)

		default:
			if err := m.HandleWorkerResponse(ctx, msg); err != nil {
				slog.Warn("unhandled message", "manager", m.id, "purpose", msg.Purpose, "error", err)
			}
		}
	}

	m.mu.Lock()
	open := make([]string, 0, len(m.active))
	for parentID := range m.active {
		open = append(open, parentID)
	}
	m.mu.Unlock()
	for _, parentID := range open {
		m.maybeFinalize(parentID)
	}

	return m.supervisorID, nil
}

// applyGuidance retries a task with the supervisor's note folded into the
// payload.
func (m *Manager) applyGuidance(ctx context.Context, g bus.Guidance) {
	t, ok := m.tasks.Get(g.TaskID)
	if !ok || t.Status != task.StatusPending {
		return
	}
	t.Input.Guidance = g.Note
	if err := m.HandleTaskAssignment(ctx, t); err != nil {
		slog.Warn("guided retry failed", "manager", m.id, "task", g.TaskID, "error", err)
	}
}
