package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/config"
	"github.com/mtzanidakis/epoptis/internal/engine"
	"github.com/mtzanidakis/epoptis/internal/task"
)

func newTestBus(t *testing.T) (*bus.Bus, *bus.Client) {
	t.Helper()
	b, err := bus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(b.Close)
	c, err := bus.NewClient(b)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(c.Close)
	return b, c
}

func managerInbox(t *testing.T, b *bus.Bus, managerID string) *bus.Inbox {
	t.Helper()
	c, err := bus.NewClient(b)
	if err != nil {
		t.Fatalf("manager client: %v", err)
	}
	t.Cleanup(c.Close)
	in, err := bus.NewInbox(c, managerID)
	if err != nil {
		t.Fatalf("manager inbox: %v", err)
	}
	t.Cleanup(in.Close)
	return in
}

func TestExecuteRejectsOutsideExpertise(t *testing.T) {
	_, client := newTestBus(t)
	called := false
	eng := engine.Func(func(ctx context.Context, instr, content string) (string, error) {
		called = true
		return "", nil
	})
	w := New("w1", "mgr", []string{"topics"}, eng, client)

	tk := task.New(task.KindAnalyzeSentiment, task.Input{Content: "hello"})
	_, err := w.Execute(context.Background(), *tk)

	var ce *CapabilityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapabilityError, got %v", err)
	}
	if called {
		t.Error("capability rejection must happen before any engine call")
	}
}

func TestExecuteHonorsExpertiseOverride(t *testing.T) {
	_, client := newTestBus(t)
	eng := engine.Func(func(ctx context.Context, instr, content string) (string, error) {
		return `{"content":{"mood":"calm"},"confidence":"HIGH","reasoning":"r"}`, nil
	})
	w := New("w1", "mgr", []string{"topics"}, eng, client)

	tk := task.New(task.KindAnalyzeSentiment, task.Input{Content: "hello", Expertise: "sentiment"})
	out, err := w.Execute(context.Background(), *tk)
	if err != nil {
		t.Fatalf("override should permit execution: %v", err)
	}
	if out.Confidence != task.ConfidenceHigh {
		t.Errorf("unexpected confidence %s", out.Confidence)
	}
}

func TestExecuteDegradesUnparsableOutput(t *testing.T) {
	b, client := newTestBus(t)
	inbox := managerInbox(t, b, "mgr")

	eng := engine.Func(func(ctx context.Context, instr, content string) (string, error) {
		return "total gibberish without structure", nil
	})
	w := New("w1", "mgr", []string{"topics"}, eng, client)

	tk := task.New(task.KindExtractTopics, task.Input{Content: "transcript"})
	out, err := w.Execute(context.Background(), *tk)
	if err != nil {
		t.Fatalf("unparsable output must not fail the task: %v", err)
	}
	if out.Confidence != task.ConfidenceLow {
		t.Errorf("expected LOW degraded confidence, got %s", out.Confidence)
	}
	var wrapped map[string]string
	if err := json.Unmarshal(out.Content, &wrapped); err != nil || wrapped["raw_analysis"] == "" {
		t.Errorf("degraded content should wrap raw text: %s", out.Content)
	}

	msgs, err := inbox.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Purpose != bus.PurposeTaskCompleted {
		t.Fatalf("expected one task_completed message, got %+v", msgs)
	}
	tc, _ := bus.Decode[bus.TaskCompleted](msgs[0])
	if tc.AgentID != "w1" || tc.TaskID != tk.ID {
		t.Errorf("completion not tagged with worker/task ids: %+v", tc)
	}
}

func TestExecuteDegradesExhaustedRetries(t *testing.T) {
	_, client := newTestBus(t)
	eng := engine.Func(func(ctx context.Context, instr, content string) (string, error) {
		return "", &engine.AdapterError{Op: "analyze", Err: errors.New("rate limited"), Retryable: true, RateLimited: true}
	})
	w := New("w1", "mgr", []string{"topics"}, eng, client)

	tk := task.New(task.KindExtractTopics, task.Input{Content: "transcript"})
	out, err := w.Execute(context.Background(), *tk)
	if err != nil {
		t.Fatalf("transient exhaustion must degrade, not fail: %v", err)
	}
	if out.Confidence != task.ConfidenceLow {
		t.Errorf("expected LOW, got %s", out.Confidence)
	}
}

func TestExecuteFailsNonRetryable(t *testing.T) {
	b, client := newTestBus(t)
	inbox := managerInbox(t, b, "mgr")

	eng := engine.Func(func(ctx context.Context, instr, content string) (string, error) {
		return "", &engine.AdapterError{Op: "analyze", Err: errors.New("permanent rejection")}
	})
	w := New("w1", "mgr", []string{"topics"}, eng, client)

	tk := task.New(task.KindExtractTopics, task.Input{Content: "transcript"})
	if _, err := w.Execute(context.Background(), *tk); err == nil {
		t.Fatal("non-retryable engine error must fail the task")
	}

	msgs, err := inbox.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Purpose != bus.PurposeAssistanceRequest {
		t.Fatalf("expected one assistance_request, got %+v", msgs)
	}
	ar, _ := bus.Decode[bus.AssistanceRequest](msgs[0])
	if ar.TaskID != tk.ID || ar.Issue == "" {
		t.Errorf("assistance request missing context: %+v", ar)
	}
}
