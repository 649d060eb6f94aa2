package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/config"
	"github.com/mtzanidakis/epoptis/internal/engine"
	"github.com/mtzanidakis/epoptis/internal/manager"
	"github.com/mtzanidakis/epoptis/internal/registry"
	"github.com/mtzanidakis/epoptis/internal/task"
	"github.com/mtzanidakis/epoptis/internal/worker"
)

type fixture struct {
	bus    *bus.Bus
	tasks  *task.Registry
	agents *registry.Registry
	sup    *Supervisor
	mgrs   map[string]*manager.Manager
}

func (f *fixture) client(t *testing.T) *bus.Client {
	t.Helper()
	c, err := bus.NewClient(f.bus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func newFixture(t *testing.T, supEng engine.Engine, policy EscalationPolicy) *fixture {
	t.Helper()
	b, err := bus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(b.Close)

	f := &fixture{
		bus:    b,
		tasks:  task.NewRegistry(),
		agents: registry.New(),
		mgrs:   make(map[string]*manager.Manager),
	}

	sup, err := New(Config{
		ID:     "supervisor",
		Tasks:  f.tasks,
		Agents: f.agents,
		Client: f.client(t),
		Engine: supEng,
		Policy: policy,
	})
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	f.sup = sup
	return f
}

// team builds a manager with its worker pool for one domain.
func (f *fixture) team(t *testing.T, id, domain string, eng engine.Engine, workers int) {
	t.Helper()
	mgr, err := manager.New(manager.Config{
		ID:           id,
		Expertise:    []string{domain},
		SupervisorID: "supervisor",
		Tasks:        f.tasks,
		Agents:       f.agents,
		Client:       f.client(t),
		Engine:       eng,
		Assist: func(ctx context.Context, req bus.AssistanceRequest) (task.Output, bool) {
			return task.Output{}, false
		},
	})
	if err != nil {
		t.Fatalf("manager %s: %v", id, err)
	}
	for i := 0; i < workers; i++ {
		w := worker.New(fmt.Sprintf("%s-w%d", id, i), id, []string{domain}, eng, f.client(t))
		if err := mgr.AddWorker(w, []string{domain}, 1); err != nil {
			t.Fatalf("add worker: %v", err)
		}
	}
	f.mgrs[id] = mgr
}

func (f *fixture) bootstrap(t *testing.T, transcript string) {
	t.Helper()
	msg, err := bus.NewMessage(bus.KindRequest, "coordinator", []string{"supervisor"},
		bus.PurposeBootstrap, bus.Bootstrap{RunID: "run-1", Transcript: transcript})
	if err != nil {
		t.Fatalf("bootstrap message: %v", err)
	}
	if err := f.client(t).Send(msg); err != nil {
		t.Fatalf("bootstrap send: %v", err)
	}
}

// drive alternates supervisor and manager steps until the supervisor
// reports the run finished.
func (f *fixture) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for steps := 0; ; steps++ {
		if steps > 50 {
			t.Fatal("routing did not settle")
		}
		next, err := f.sup.Step(ctx)
		if err != nil {
			t.Fatalf("supervisor step: %v", err)
		}
		if next == "" {
			return
		}
		mgr, ok := f.mgrs[next]
		if !ok {
			t.Fatalf("routed to unknown agent %q", next)
		}
		if _, err := mgr.Step(ctx); err != nil {
			t.Fatalf("manager %s step: %v", next, err)
		}
	}
}

func okEngine() engine.Engine {
	return engine.Func(func(ctx context.Context, instructions, content string) (string, error) {
		return `{"content":{"findings":["roadmap"]},"confidence":"HIGH","reasoning":"clear"}`, nil
	})
}

func confEngine(confidence, finding string) engine.Engine {
	return engine.Func(func(ctx context.Context, instructions, content string) (string, error) {
		return fmt.Sprintf(`{"content":{"findings":[%q]},"confidence":%q,"reasoning":"test"}`, finding, confidence), nil
	})
}

const plainTranscript = "Alice: welcome everyone.\nBob: the roadmap needs an owner.\nAlice: noted, we will follow up.\n"

func TestDecomposeTranscriptPlan(t *testing.T) {
	plan := DecomposeTranscript("r1", plainTranscript)
	if len(plan) != 3 {
		t.Fatalf("plain transcript should plan 3 tasks, got %d", len(plan))
	}
	kinds := []task.Kind{task.KindExtractTopics, task.KindExtractActionItems, task.KindGenerateSummary}
	for i, want := range kinds {
		if plan[i].Kind != want {
			t.Errorf("task %d: got %s, want %s", i, plan[i].Kind, want)
		}
		if plan[i].RunID != "r1" {
			t.Errorf("task %d missing run id", i)
		}
	}

	summary := plan[len(plan)-1]
	if summary.Priority != 2 {
		t.Errorf("summary priority: got %d, want 2", summary.Priority)
	}
	if len(summary.Dependencies) != 2 ||
		summary.Dependencies[0] != plan[0].ID || summary.Dependencies[1] != plan[1].ID {
		t.Errorf("summary should depend on every domain task, got %v", summary.Dependencies)
	}

	rich := DecomposeTranscript("r2", "We decided to ship early. Carol is worried about the timeline.")
	if len(rich) != 5 {
		t.Errorf("transcript with decisions and sentiment should plan 5 tasks, got %d", len(rich))
	}
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t, okEngine(), nil)
	f.team(t, "mgr-topics", "topics", okEngine(), 1)
	f.team(t, "mgr-actions", "action_items", okEngine(), 1)
	f.team(t, "mgr-summary", "summary", okEngine(), 1)

	f.bootstrap(t, plainTranscript)
	f.drive(t)

	final := f.sup.FinalResult()
	if final == nil {
		t.Fatal("run finished without a final result")
	}
	if final.Interim {
		t.Error("final result flagged interim")
	}
	if final.RunID != "run-1" {
		t.Errorf("run id: got %q", final.RunID)
	}
	if final.Confidence != task.ConfidenceHigh {
		t.Errorf("all-HIGH inputs should synthesize HIGH, got %s", final.Confidence)
	}
	if len(final.Contributors) != 3 {
		t.Fatalf("final should reference all 3 contributing tasks, got %d", len(final.Contributors))
	}
	for _, id := range final.Contributors {
		got, ok := f.tasks.Get(id)
		if !ok || got.Status != task.StatusCompleted {
			t.Errorf("contributor %s not completed: %+v", id, got)
		}
	}
}

func TestSynthesisFallbackKeepsCombinedConfidence(t *testing.T) {
	supEng := engine.Func(func(ctx context.Context, instructions, content string) (string, error) {
		return "", errors.New("model unavailable")
	})
	f := newFixture(t, supEng, nil)
	f.team(t, "mgr-topics", "topics", confEngine("HIGH", "roadmap"), 1)
	f.team(t, "mgr-actions", "action_items", confEngine("LOW", "find an owner"), 1)
	f.team(t, "mgr-summary", "summary", confEngine("LOW", "short meeting"), 1)

	f.bootstrap(t, plainTranscript)
	f.drive(t)

	final := f.sup.FinalResult()
	if final == nil {
		t.Fatal("run finished without a final result")
	}
	if !strings.Contains(string(final.Content), "roadmap") {
		t.Errorf("fallback should carry the highest-confidence content, got %s", final.Content)
	}
	// HIGH, LOW and LOW weights average to 0.6, which quantizes to MEDIUM.
	// The fallback picking the HIGH contributor's content must not lift the
	// combined confidence to HIGH.
	if final.Confidence != task.ConfidenceMedium {
		t.Errorf("combined confidence: got %s, want %s", final.Confidence, task.ConfidenceMedium)
	}
}

func TestEscalationReassignsToCoveringManager(t *testing.T) {
	f := newFixture(t, okEngine(), nil)
	f.team(t, "mgr-topics-a", "topics", okEngine(), 0) // escalates immediately
	f.team(t, "mgr-topics-b", "topics", okEngine(), 1)
	f.team(t, "mgr-actions", "action_items", okEngine(), 1)
	f.team(t, "mgr-summary", "summary", okEngine(), 1)

	f.bootstrap(t, plainTranscript)
	f.drive(t)

	if f.sup.FinalResult() == nil {
		t.Fatal("run with a worker-less manager should still finish")
	}
	for _, rec := range f.tasks.Snapshot() {
		if rec.Kind != task.KindExtractTopics || rec.ParentID != "" {
			continue
		}
		if rec.Status != task.StatusCompleted {
			t.Fatalf("topics task not completed: %s (%s)", rec.Status, rec.FailReason)
		}
		if rec.AssignedTo != "mgr-topics-b" {
			t.Errorf("expected reassignment to mgr-topics-b, got %q", rec.AssignedTo)
		}
	}
}

func TestEscalationDirectActionWithoutAlternative(t *testing.T) {
	f := newFixture(t, okEngine(), nil)
	f.team(t, "mgr-topics", "topics", okEngine(), 0) // escalates, no sibling to take over
	f.team(t, "mgr-actions", "action_items", okEngine(), 1)
	f.team(t, "mgr-summary", "summary", okEngine(), 1)

	f.bootstrap(t, plainTranscript)
	f.drive(t)

	if f.sup.FinalResult() == nil {
		t.Fatal("expected a final result")
	}
	for _, rec := range f.tasks.Snapshot() {
		if rec.Kind != task.KindExtractTopics || rec.ParentID != "" {
			continue
		}
		if rec.Status != task.StatusCompleted {
			t.Fatalf("topics task not completed: %s (%s)", rec.Status, rec.FailReason)
		}
		if rec.Output == nil || rec.Output.Meta.AgentID != "supervisor" {
			t.Errorf("expected supervisor direct action output, got %+v", rec.Output)
		}
	}
}

func TestUncoveredDomainIsDroppedNotStalled(t *testing.T) {
	f := newFixture(t, okEngine(), nil)
	// No topics team at all.
	f.team(t, "mgr-actions", "action_items", okEngine(), 1)
	f.team(t, "mgr-summary", "summary", okEngine(), 1)

	f.bootstrap(t, plainTranscript)
	f.drive(t)

	final := f.sup.FinalResult()
	if final == nil {
		t.Fatal("run must finish despite an uncovered domain")
	}
	if len(final.Contributors) != 2 {
		t.Errorf("expected 2 contributors without topics, got %d", len(final.Contributors))
	}
	for _, rec := range f.tasks.Snapshot() {
		if rec.Kind == task.KindExtractTopics && rec.ParentID == "" {
			if rec.Status != task.StatusFailed {
				t.Errorf("uncovered task should be FAILED, got %s", rec.Status)
			}
		}
		if rec.Kind == task.KindGenerateSummary && rec.Status != task.StatusCompleted {
			t.Errorf("summary should run after the failed dependency is discharged, got %s", rec.Status)
		}
	}
}

func TestInterimSynthesisMidRun(t *testing.T) {
	f := newFixture(t, okEngine(), nil)
	f.team(t, "mgr-topics", "topics", okEngine(), 1)
	f.team(t, "mgr-actions", "action_items", okEngine(), 1)
	f.team(t, "mgr-decisions", "decisions", okEngine(), 1)
	f.team(t, "mgr-summary", "summary", okEngine(), 1)

	f.bootstrap(t, "Alice: we decided to ship in June.\nBob: noted, the owner is Carol.\n")
	f.drive(t)

	interim := f.sup.InterimResult()
	if interim == nil {
		t.Fatal("expected an interim synthesis once two domains reported")
	}
	if !interim.Interim {
		t.Error("interim result not flagged")
	}
	if len(interim.Contributors) != 2 {
		t.Errorf("interim contributors: got %d, want 2", len(interim.Contributors))
	}

	final := f.sup.FinalResult()
	if final == nil || len(final.Contributors) != 4 {
		t.Fatalf("final should cover all 4 tasks, got %+v", final)
	}
}

func TestGuidedRetryCompletesTask(t *testing.T) {
	guide := func(esc bus.Escalation, candidates []registry.ManagerRecord, attempt int) Decision {
		return Decision{Action: ActionGuide, Guidance: "retry with a best-effort result"}
	}
	f := newFixture(t, okEngine(), guide)
	f.team(t, "mgr-topics", "topics", okEngine(), 1)
	ctx := context.Background()

	tt := task.New(task.KindExtractTopics, task.Input{Content: "short transcript"})
	if err := f.tasks.Add(tt); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := f.sup.HandleEscalation(ctx, "mgr-topics", bus.Escalation{Task: *tt, Reason: bus.ReasonAllSubtasksFailed})
	if err != nil {
		t.Fatalf("escalation: %v", err)
	}
	if _, err := f.mgrs["mgr-topics"].Step(ctx); err != nil {
		t.Fatalf("manager step: %v", err)
	}

	got, _ := f.tasks.Get(tt.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("guided retry should complete the task, got %s (%s)", got.Status, got.FailReason)
	}
}

func TestDefaultPolicy(t *testing.T) {
	cand := []registry.ManagerRecord{{ID: "alt"}}

	cases := []struct {
		name       string
		reason     bus.EscalationReason
		candidates []registry.ManagerRecord
		attempt    int
		want       Action
	}{
		{"no worker, alternative exists", bus.ReasonNoWorkerAvailable, cand, 0, ActionReassign},
		{"no worker, no alternative", bus.ReasonNoWorkerAvailable, nil, 0, ActionDirect},
		{"worker removed, alternative exists", bus.ReasonWorkerRemoved, cand, 0, ActionReassign},
		{"assistance unsolved", bus.ReasonAssistanceUnsolved, cand, 0, ActionDirect},
		{"all failed, first attempt", bus.ReasonAllSubtasksFailed, cand, 0, ActionGuide},
		{"all failed, second attempt", bus.ReasonAllSubtasksFailed, cand, 1, ActionFail},
		{"unknown reason", bus.EscalationReason("bogus"), cand, 0, ActionFail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := DefaultPolicy(bus.Escalation{Reason: tc.reason}, tc.candidates, tc.attempt)
			if dec.Action != tc.want {
				t.Errorf("got %s, want %s", dec.Action, tc.want)
			}
			if dec.Action == ActionGuide && dec.Guidance == "" {
				t.Error("guide decision must carry guidance")
			}
		})
	}
}
