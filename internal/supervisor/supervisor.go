// Package supervisor implements the top of the pool: the agent that
// decomposes a transcript into domain analysis tasks, routes them to the
// managers, absorbs escalations and synthesizes the final result.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/engine"
	"github.com/mtzanidakis/epoptis/internal/registry"
	"github.com/mtzanidakis/epoptis/internal/task"
)

// Result is a synthesized analysis, either an interim snapshot or the final
// artifact of a run. Contributors lists the task ids whose outputs fed the
// synthesis, in planning order.
type Result struct {
	RunID        string          `json:"run_id"`
	Content      json.RawMessage `json:"content"`
	Confidence   task.Confidence `json:"confidence"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Contributors []string        `json:"contributors"`
	Interim      bool            `json:"interim"`
	ProducedAt   time.Time       `json:"produced_at"`
}

type Config struct {
	ID     string
	Tasks  *task.Registry
	Agents *registry.Registry
	Client *bus.Client
	Engine engine.Engine
	Policy EscalationPolicy // DefaultPolicy when nil
}

type Supervisor struct {
	id     string
	tasks  *task.Registry
	agents *registry.Registry
	client *bus.Client
	inbox  *bus.Inbox
	engine engine.Engine
	policy EscalationPolicy

	mu          sync.Mutex
	runID       string
	transcript  string
	planned     []string          // top-level task ids in planning order, summary last
	domainOf    map[string]string // top-level task id -> expertise domain
	results     map[string]task.Output
	dispatched  map[string]string // task id -> manager currently responsible
	hops        []string          // managers owed a turn, FIFO
	escalations map[string]int
	childOf     map[string]string // redistribution child id -> original task id
	splits      map[string]*splitState
	interim     *Result
	final       *Result
}

// splitState tracks a task redistributed by an ActionDecompose decision
// until every piece has reported back.
type splitState struct {
	children []string
	outputs  map[string]task.Output
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy
	}
	s := &Supervisor{
		id:          cfg.ID,
		tasks:       cfg.Tasks,
		agents:      cfg.Agents,
		client:      cfg.Client,
		engine:      cfg.Engine,
		policy:      cfg.Policy,
		domainOf:    make(map[string]string),
		results:     make(map[string]task.Output),
		dispatched:  make(map[string]string),
		escalations: make(map[string]int),
		childOf:     make(map[string]string),
		splits:      make(map[string]*splitState),
	}
	inbox, err := bus.NewInbox(cfg.Client, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("supervisor %s inbox: %w", cfg.ID, err)
	}
	s.inbox = inbox
	return s, nil
}

func (s *Supervisor) ID() string { return s.id }

// RunID returns the id of the bootstrapped run, empty before bootstrap.
func (s *Supervisor) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// FinalResult returns the final synthesis, nil while the run is open.
func (s *Supervisor) FinalResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		return nil
	}
	res := *s.final
	return &res
}

// InterimResult returns the progressive synthesis snapshot, if one was
// produced before the run finished.
func (s *Supervisor) InterimResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interim == nil {
		return nil
	}
	res := *s.interim
	return &res
}

// DecomposeTranscript plans the top-level analysis tasks for a transcript:
// one task per inferred domain plus a summary task that depends on all of
// them. The plan is deterministic for a given transcript.
func DecomposeTranscript(runID, transcript string) []*task.Task {
	plan := make([]*task.Task, 0, 5)
	deps := make([]string, 0, 4)
	for _, domain := range domainsFor(transcript) {
		t := task.New(task.KindForDomain(domain), task.Input{Content: transcript})
		t.RunID = runID
		t.Priority = 1
		plan = append(plan, t)
		deps = append(deps, t.ID)
	}

	summary := task.New(task.KindGenerateSummary, task.Input{Content: transcript})
	summary.RunID = runID
	summary.Priority = 2
	summary.Dependencies = deps
	return append(plan, summary)
}

// domainsFor infers which analysis domains a transcript warrants. Topics
// and action items are always extracted; decisions and sentiment only when
// the text shows signs of them.
func domainsFor(transcript string) []string {
	domains := []string{"topics", "action_items"}
	lower := strings.ToLower(transcript)
	if strings.Contains(lower, "decid") || strings.Contains(lower, "decision") || strings.Contains(lower, "agree") {
		domains = append(domains, "decisions")
	}
	if strings.Contains(lower, "concern") || strings.Contains(lower, "frustrat") ||
		strings.Contains(lower, "worried") || len(transcript) > 2000 {
		domains = append(domains, "sentiment")
	}
	return domains
}

// Step drains the inbox, applies every message, and decides where control
// goes next. An empty next id means the run is finished.
func (s *Supervisor) Step(ctx context.Context) (string, error) {
	msgs, err := s.inbox.Drain(ctx)
	if err != nil {
		return "", fmt.Errorf("supervisor %s drain: %w", s.id, err)
	}
	for _, msg := range msgs {
		if err := s.handle(ctx, msg); err != nil {
			slog.Warn("supervisor dropped message", "purpose", msg.Purpose, "sender", msg.Sender, "error", err)
		}
	}
	s.maybeInterim(ctx)
	return s.routeNext(ctx)
}

func (s *Supervisor) handle(ctx context.Context, msg bus.Message) error {
	switch msg.Purpose {
	case bus.PurposeBootstrap:
		b, err := bus.Decode[bus.Bootstrap](msg)
		if err != nil {
			return err
		}
		return s.bootstrap(b)

	case bus.PurposeTaskCompleted:
		tc, err := bus.Decode[bus.TaskCompleted](msg)
		if err != nil {
			return err
		}
		slog.Info("analysis completed", "task", tc.TaskID, "agent", tc.AgentID, "confidence", tc.Output.Confidence)
		s.recordResult(tc.TaskID, tc.Output)
		return nil

	case bus.PurposeTaskFailed:
		tf, err := bus.Decode[bus.TaskFailed](msg)
		if err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.dispatched, tf.TaskID)
		s.mu.Unlock()
		if t, ok := s.tasks.Get(tf.TaskID); ok && t.Status != task.StatusFailed {
			return s.failTask(tf.TaskID, tf.Reason)
		}
		return nil

	case bus.PurposeEscalation:
		esc, err := bus.Decode[bus.Escalation](msg)
		if err != nil {
			return err
		}
		return s.HandleEscalation(ctx, msg.Sender, esc)

	case bus.PurposeRegistration:
		reg, err := bus.Decode[bus.Registration](msg)
		if err != nil {
			return err
		}
		if reg.Role == "manager" {
			if err := s.agents.AddManager(reg.AgentID, reg.Expertise); err != nil {
				slog.Debug("registration ignored", "agent", reg.AgentID, "error", err)
			}
		}
		return nil

	case bus.PurposeStatusUpdate:
		return nil

	default:
		return fmt.Errorf("unexpected purpose %s", msg.Purpose)
	}
}

func (s *Supervisor) bootstrap(b bus.Bootstrap) error {
	s.mu.Lock()
	if s.runID != "" {
		s.mu.Unlock()
		return fmt.Errorf("run %s already bootstrapped", s.runID)
	}
	s.runID = b.RunID
	s.transcript = b.Transcript
	s.mu.Unlock()

	plan := DecomposeTranscript(b.RunID, b.Transcript)
	for _, t := range plan {
		if err := s.tasks.Add(t); err != nil {
			return fmt.Errorf("plan task %s: %w", t.Kind, err)
		}
		s.mu.Lock()
		s.planned = append(s.planned, t.ID)
		s.domainOf[t.ID] = t.Kind.Domain()
		s.mu.Unlock()
	}
	slog.Info("transcript decomposed", "run", b.RunID, "tasks", len(plan))
	s.publishEvent("run_started", nil)
	return nil
}

// recordResult books a completed output. A redistribution child feeds its
// split state; the original task completes once every piece is in.
func (s *Supervisor) recordResult(taskID string, out task.Output) {
	s.mu.Lock()
	delete(s.dispatched, taskID)

	origID, isChild := s.childOf[taskID]
	if !isChild {
		if _, planned := s.domainOf[taskID]; planned {
			s.results[taskID] = out
		}
		s.mu.Unlock()
		return
	}

	st := s.splits[origID]
	st.outputs[taskID] = out
	if len(st.outputs) < len(st.children) {
		s.mu.Unlock()
		return
	}
	ordered := make([]task.Output, 0, len(st.children))
	for _, c := range st.children {
		ordered = append(ordered, st.outputs[c])
		delete(s.childOf, c)
	}
	delete(s.splits, origID)
	s.mu.Unlock()

	merged := task.Merge(origID, s.id, ordered)
	if _, err := s.tasks.Complete(origID, merged); err != nil {
		slog.Error("split merge failed", "task", origID, "error", err)
		return
	}
	s.recordResult(origID, merged)
}

// HandleEscalation resolves one escalated task according to the policy.
// Every action leaves the task on a path to a terminal status, so an
// escalation can never stall the run.
func (s *Supervisor) HandleEscalation(ctx context.Context, from string, esc bus.Escalation) error {
	id := esc.Task.ID
	s.mu.Lock()
	attempt := s.escalations[id]
	s.escalations[id]++
	delete(s.dispatched, id)
	s.mu.Unlock()

	var candidates []registry.ManagerRecord
	for _, m := range s.agents.ManagersFor(esc.Task.Kind.Domain()) {
		if m.ID != from {
			candidates = append(candidates, m)
		}
	}

	dec := s.policy(esc, candidates, attempt)
	slog.Warn("escalation received", "task", id, "reason", esc.Reason,
		"from", from, "attempt", attempt, "action", dec.Action)

	switch dec.Action {
	case ActionReassign:
		return s.reassign(esc.Task, candidates)
	case ActionGuide:
		return s.guide(from, id, dec.Guidance)
	case ActionDecompose:
		return s.redistribute(ctx, esc.Task, from, candidates)
	case ActionFail:
		return s.failTask(id, fmt.Sprintf("escalated (%s): %s", esc.Reason, esc.Detail))
	case ActionDirect:
		return s.directAction(ctx, esc.Task)
	default:
		return fmt.Errorf("unknown escalation action %q", dec.Action)
	}
}

func (s *Supervisor) reassign(t task.Task, candidates []registry.ManagerRecord) error {
	target := ""
	if len(candidates) > 0 {
		target = candidates[0].ID
	} else if id, ok := s.agents.LeastLoadedManager(); ok {
		target = id
		// The fallback manager serves another domain; override the
		// capability check so its workers accept the work.
		if m, ok := s.agents.Manager(id); ok && len(m.Expertise) > 0 {
			t.Input.Expertise = m.Expertise[0]
		}
	}
	if target == "" {
		return s.failTask(t.ID, "no manager available for reassignment")
	}
	return s.assign(target, t)
}

func (s *Supervisor) guide(managerID, taskID, note string) error {
	msg, err := bus.NewMessage(bus.KindRequest, s.id, []string{managerID},
		bus.PurposeGuidance, bus.Guidance{TaskID: taskID, Note: note})
	if err != nil {
		return err
	}
	msg.CorrelationID = taskID
	if err := s.client.Send(msg); err != nil {
		return fmt.Errorf("guide %s via %s: %w", taskID, managerID, err)
	}
	s.mu.Lock()
	s.dispatched[taskID] = managerID
	s.hops = append(s.hops, managerID)
	s.mu.Unlock()
	return nil
}

// redistribute splits the escalated task's content in half and dispatches
// the pieces across the candidate managers. The original task completes
// with the merged result once both pieces report.
func (s *Supervisor) redistribute(ctx context.Context, t task.Task, from string, candidates []registry.ManagerRecord) error {
	halves := splitHalves(t.Input.Content)
	if len(halves) < 2 {
		// Nothing to split; the supervisor handles it directly.
		return s.directAction(ctx, t)
	}

	targets := make([]string, 0, len(candidates))
	for _, m := range candidates {
		targets = append(targets, m.ID)
	}
	if len(targets) == 0 {
		targets = []string{from}
	}

	st := &splitState{outputs: make(map[string]task.Output)}
	for i, half := range halves {
		c := task.New(t.Kind, task.Input{
			Content:      half,
			Instructions: t.Input.Instructions,
			Expertise:    t.Input.Expertise,
		})
		c.RunID = t.RunID
		c.ParentID = t.ID
		c.Priority = t.Priority
		if err := s.tasks.Add(c); err != nil {
			return fmt.Errorf("register split piece: %w", err)
		}
		st.children = append(st.children, c.ID)
		s.mu.Lock()
		s.childOf[c.ID] = t.ID
		s.mu.Unlock()
		if err := s.assign(targets[i%len(targets)], *c); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.splits[t.ID] = st
	s.mu.Unlock()
	slog.Info("task redistributed", "task", t.ID, "pieces", len(halves), "managers", len(targets))
	return nil
}

func splitHalves(content string) []string {
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return []string{content}
	}
	mid := len(lines) / 2
	return []string{
		strings.Join(lines[:mid], "\n"),
		strings.Join(lines[mid:], "\n"),
	}
}

// failTask marks a task FAILED and releases its dependents so the rest of
// the run continues without it.
func (s *Supervisor) failTask(id, reason string) error {
	if err := s.tasks.Fail(id, reason); err != nil {
		return err
	}
	if _, err := s.tasks.Discharge(id); err != nil {
		slog.Warn("discharge after failure", "task", id, "error", err)
	}
	slog.Warn("task abandoned", "task", id, "reason", reason)
	return nil
}

// directAction runs the analysis on the supervisor's own engine, the last
// resort when the pool cannot absorb a task.
func (s *Supervisor) directAction(ctx context.Context, t task.Task) error {
	instructions := t.Input.Instructions
	if instructions == "" {
		instructions = engine.InstructionsFor(t.Kind)
	}
	raw, err := s.engine.Analyze(ctx, instructions, t.Input.Content)
	if err != nil {
		slog.Error("direct action failed", "task", t.ID, "error", err)
		return s.failTask(t.ID, fmt.Sprintf("direct action: %v", err))
	}
	out := engine.ParseOutput(t.ID, s.id, raw)
	if _, err := s.tasks.Complete(t.ID, out); err != nil {
		return fmt.Errorf("complete direct action %s: %w", t.ID, err)
	}
	slog.Info("task completed by direct action", "task", t.ID, "confidence", out.Confidence)
	s.recordResult(t.ID, out)
	return nil
}

// assign sends a task to a manager and queues that manager for the next
// routing hop.
func (s *Supervisor) assign(managerID string, t task.Task) error {
	if t.Kind == task.KindGenerateSummary {
		t.Input.Content = s.summaryInput()
	}
	msg, err := bus.NewMessage(bus.KindDelegate, s.id, []string{managerID},
		bus.PurposeTaskAssignment, bus.TaskAssignment{Task: t})
	if err != nil {
		return err
	}
	msg.CorrelationID = t.ID
	if err := s.client.Send(msg); err != nil {
		return fmt.Errorf("assign %s to %s: %w", t.ID, managerID, err)
	}
	s.mu.Lock()
	s.dispatched[t.ID] = managerID
	s.hops = append(s.hops, managerID)
	s.mu.Unlock()
	slog.Info("task assigned", "task", t.ID, "kind", t.Kind, "manager", managerID)
	return nil
}

// summaryInput folds the accumulated domain results into the summary
// task's payload so the summarizer sees what the other teams found.
func (s *Supervisor) summaryInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(s.transcript)
	sb.WriteString("\n\n## Results from prior analyses\n")
	for _, id := range s.planned {
		out, ok := s.results[id]
		if !ok || s.domainOf[id] == "summary" {
			continue
		}
		fmt.Fprintf(&sb, "\n### %s\n\n%s\n", s.domainOf[id], out.Content)
	}
	return sb.String()
}

// routeNext picks the next agent to run. Queued hops go first, then the
// highest-priority eligible task is dispatched. A task whose domain no
// manager covers is dropped rather than left to stall the run. With
// nothing left to route the run is synthesized and finished.
func (s *Supervisor) routeNext(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		if len(s.hops) > 0 {
			next := s.hops[0]
			s.hops = s.hops[1:]
			s.mu.Unlock()
			return next, nil
		}
		s.mu.Unlock()

		dispatched := false
		blocked := ""
		for _, t := range s.tasks.Eligible() {
			if !s.routable(t.ID) {
				continue
			}
			domain := t.Kind.Domain()
			if t.Input.Expertise != "" {
				domain = t.Input.Expertise
			}
			mgr, ok := s.agents.ManagerFor(domain)
			if !ok {
				if blocked == "" {
					blocked = t.ID
				}
				continue
			}
			if err := s.assign(mgr, t); err != nil {
				return "", err
			}
			dispatched = true
			break
		}
		if dispatched {
			continue
		}
		if blocked != "" {
			if err := s.failTask(blocked, "no manager available for domain"); err != nil {
				return "", err
			}
			continue
		}
		if target, ok := s.inFlightTarget(); ok {
			return target, nil
		}
		return s.finish(ctx)
	}
}

// routable reports whether a task belongs to this supervisor's plan and is
// not already in a manager's hands.
func (s *Supervisor) routable(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.dispatched[taskID]; busy {
		return false
	}
	if _, planned := s.domainOf[taskID]; planned {
		return true
	}
	_, split := s.childOf[taskID]
	return split
}

// inFlightTarget finds the manager responsible for a still-running task,
// if any, so control returns there instead of finishing early.
func (s *Supervisor) inFlightTarget() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks.Snapshot() {
		if t.Status != task.StatusInProgress {
			continue
		}
		if mgr, ok := s.dispatched[t.ID]; ok {
			return mgr, true
		}
	}
	return "", false
}

// maybeInterim produces a progressive synthesis snapshot once results from
// enough distinct domains exist, without waiting for the full run.
func (s *Supervisor) maybeInterim(ctx context.Context) {
	s.mu.Lock()
	domains, have := 0, 0
	for _, id := range s.planned {
		if s.domainOf[id] == "summary" {
			continue
		}
		domains++
		if _, ok := s.results[id]; ok {
			have++
		}
	}
	need := 2
	if domains < need {
		need = domains
	}
	ready := s.interim == nil && s.final == nil && need > 0 && have >= need && have < domains
	s.mu.Unlock()
	if !ready {
		return
	}

	res := s.synthesize(ctx, true)
	s.mu.Lock()
	s.interim = res
	s.mu.Unlock()
	s.publishEvent("interim_result", res)
	slog.Info("interim synthesis produced", "run", res.RunID, "contributors", len(res.Contributors))
}

func (s *Supervisor) finish(ctx context.Context) (string, error) {
	s.mu.Lock()
	runID := s.runID
	done := s.final != nil
	haveResults := len(s.results) > 0
	s.mu.Unlock()

	if done {
		return "", nil
	}
	if runID == "" {
		return "", errors.New("no run bootstrapped")
	}
	if !haveResults {
		return "", fmt.Errorf("run %s: no analysis task completed", runID)
	}

	res := s.synthesize(ctx, false)
	s.mu.Lock()
	s.final = res
	s.mu.Unlock()
	s.publishEvent("run_completed", res)
	slog.Info("run synthesized", "run", runID,
		"contributors", len(res.Contributors), "confidence", res.Confidence)
	return "", nil
}

// synthesize merges the accumulated results. The combined confidence is
// always the quantized mean of the contributing weights; the engine only
// shapes the content. On engine failure the highest-weighted individual
// result is selected deterministically.
func (s *Supervisor) synthesize(ctx context.Context, interim bool) *Result {
	s.mu.Lock()
	runID := s.runID
	ids := make([]string, 0, len(s.results))
	outs := make([]task.Output, 0, len(s.results))
	for _, id := range s.planned {
		if out, ok := s.results[id]; ok {
			ids = append(ids, id)
			outs = append(outs, out)
		}
	}
	s.mu.Unlock()

	res := &Result{
		RunID:        runID,
		Contributors: ids,
		Interim:      interim,
		ProducedAt:   time.Now().UTC(),
	}

	sum := 0.0
	sections := make([]string, 0, len(outs))
	for _, out := range outs {
		sum += out.Confidence.Weight()
		sections = append(sections, string(out.Content))
	}
	res.Confidence = task.Quantize(sum / float64(len(outs)))

	if len(outs) == 1 {
		res.Content = outs[0].Content
		res.Confidence = outs[0].Confidence
		res.Reasoning = outs[0].Reasoning
		return res
	}

	raw, err := s.engine.Analyze(ctx, engine.SynthesisInstructions(sections), "")
	if err == nil {
		if content, _, perr := engine.StrictParse(raw); perr == nil {
			res.Content = content
			res.Reasoning = fmt.Sprintf("synthesized from %d analyses", len(outs))
			return res
		}
	}

	// The fallback only swaps the content source. Combined confidence stays
	// the quantized mean over all contributors.
	best, _ := task.Best(outs)
	res.Content = best.Content
	res.Reasoning = "synthesis unavailable, highest-confidence result selected"
	return res
}

func (s *Supervisor) publishEvent(kind string, res *Result) {
	s.mu.Lock()
	runID := s.runID
	s.mu.Unlock()
	if runID == "" {
		return
	}
	evt := map[string]any{
		"type":   kind,
		"run_id": runID,
		"at":     time.Now().UTC(),
	}
	if res != nil {
		evt["confidence"] = res.Confidence
		evt["contributors"] = res.Contributors
		evt["interim"] = res.Interim
	}
	if err := s.client.PublishJSON(bus.TopicRunEvents(runID), evt); err != nil {
		slog.Warn("run event publish failed", "run", runID, "type", kind, "error", err)
	}
}
