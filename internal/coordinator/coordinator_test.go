package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/config"
	"github.com/mtzanidakis/epoptis/internal/engine"
	"github.com/mtzanidakis/epoptis/internal/store"
	"github.com/mtzanidakis/epoptis/internal/task"
)

const transcript = "Alice: welcome everyone.\nBob: the roadmap needs an owner.\nAlice: noted, we will follow up.\n"

func testConfig() *config.Config {
	return &config.Config{
		Supervisor: config.SupervisorConfig{ID: "supervisor"},
		Teams: []config.TeamConfig{
			{Name: "topics", Expertise: []string{"topics"}, Workers: 1, Capacity: 1},
			{Name: "action-items", Expertise: []string{"action_items"}, Workers: 1, Capacity: 1},
			{Name: "summary", Expertise: []string{"summary"}, Workers: 1, Capacity: 1},
		},
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	b, err := bus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(b.Close)

	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	memory, err := store.NewMemory(s, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}

	c, err := New(testConfig(), b, s, memory)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(c.Close)

	c.SetEngineFactory(func(client *bus.Client, domain string) engine.Engine {
		return engine.Func(func(ctx context.Context, instructions, content string) (string, error) {
			return `{"content":{"findings":["roadmap"]},"confidence":"HIGH","reasoning":"clear"}`, nil
		})
	})
	return c, s
}

func TestAnalyzePersistsRun(t *testing.T) {
	c, s := newTestCoordinator(t)

	res, err := c.Analyze(context.Background(), transcript)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Confidence != task.ConfidenceHigh {
		t.Errorf("confidence: got %s", res.Confidence)
	}
	if len(res.Contributors) != 3 {
		t.Errorf("contributors: got %d, want 3", len(res.Contributors))
	}

	run, err := s.GetRun(res.RunID)
	if err != nil || run == nil {
		t.Fatalf("run not stored: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("run status: got %s", run.Status)
	}
	if run.Confidence != "HIGH" {
		t.Errorf("run confidence: got %s", run.Confidence)
	}
	if len(run.Result) == 0 || !strings.Contains(string(run.Result), "roadmap") {
		t.Errorf("run result not persisted: %s", run.Result)
	}

	history, err := s.RunTaskHistory(res.RunID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("history entries: got %d, want 3", len(history))
	}
	for _, h := range history {
		if h.Status != string(task.StatusCompleted) {
			t.Errorf("task %s status: got %s", h.TaskID, h.Status)
		}
	}
}

func TestAnalyzeAuditsBusTraffic(t *testing.T) {
	c, s := newTestCoordinator(t)

	res, err := c.Analyze(context.Background(), transcript)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	// The audit subscription runs async to the routing loop.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := s.RecentMessages(50)
		if err != nil {
			t.Fatalf("recent messages: %v", err)
		}
		assigned := false
		for _, m := range msgs {
			if m.Purpose == string(bus.PurposeTaskAssignment) {
				assigned = true
			}
		}
		if assigned {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no task assignment audited for run %s", res.RunID)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestLaunchStoredRequiresTranscript(t *testing.T) {
	c, _ := newTestCoordinator(t)

	if _, err := c.LaunchStored(context.Background(), "transcripts/missing"); err == nil {
		t.Fatal("expected error for missing transcript key")
	}
}

func TestLaunchRunCompletesInBackground(t *testing.T) {
	c, _ := newTestCoordinator(t)

	runID, err := c.LaunchRun(context.Background(), transcript)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := c.WaitForRun(ctx, runID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("run status: got %s", run.Status)
	}
}
