// Package worker implements the specialist agents at the bottom of the
// pool. A worker executes exactly one assigned task at a time against the
// analysis engine and reports the outcome to its manager over the bus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/engine"
	"github.com/mtzanidakis/epoptis/internal/task"
)

// CapabilityError rejects work outside a worker's declared expertise. It is
// raised before any engine call is made.
type CapabilityError struct {
	AgentID   string
	Domain    string
	Expertise []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("worker %s cannot handle domain %q (expertise: %s)",
		e.AgentID, e.Domain, strings.Join(e.Expertise, ", "))
}

type Worker struct {
	id        string
	managerID string
	expertise []string
	engine    engine.Engine
	client    *bus.Client
	inbox     *bus.Inbox
}

// New creates a worker. The engine is expected to carry its own retry
// policy; the worker itself never retries, that is a manager/supervisor
// decision.
func New(id, managerID string, expertise []string, eng engine.Engine, client *bus.Client) *Worker {
	return &Worker{
		id:        id,
		managerID: managerID,
		expertise: expertise,
		engine:    eng,
		client:    client,
	}
}

func (w *Worker) ID() string { return w.id }

// AttachInbox subscribes the worker for direct task assignment via the
// router. Workers dispatched synchronously by their manager do not need
// one.
func (w *Worker) AttachInbox() error {
	in, err := bus.NewInbox(w.client, w.id)
	if err != nil {
		return fmt.Errorf("worker inbox: %w", err)
	}
	w.inbox = in
	return nil
}

func (w *Worker) canHandle(t task.Task) bool {
	domain := t.Kind.Domain()
	if t.Input.Expertise != "" {
		// An explicit override in the payload bypasses the declared set.
		return true
	}
	for _, e := range w.expertise {
		if e == domain {
			return true
		}
	}
	return false
}

// Execute runs one task. Outcomes:
//   - structural success (including degraded LOW-confidence results for
//     unparsable engine output or exhausted transient retries): the output
//     is returned and a task_completed RESPONSE goes to the manager;
//   - capability mismatch: a CapabilityError before any engine call;
//   - non-retryable engine error: an assistance_request REQUEST goes to the
//     manager and the error is returned so the task can be marked FAILED.
func (w *Worker) Execute(ctx context.Context, t task.Task) (task.Output, error) {
	if !w.canHandle(t) {
		return task.Output{}, &CapabilityError{AgentID: w.id, Domain: t.Kind.Domain(), Expertise: w.expertise}
	}

	instructions := t.Input.Instructions
	if instructions == "" {
		instructions = engine.InstructionsFor(t.Kind)
	}
	if t.Input.Guidance != "" {
		instructions += "\n\nAdditional guidance: " + t.Input.Guidance
	}

	raw, err := w.engine.Analyze(ctx, instructions, t.Input.Content)
	if err != nil {
		if !engine.Retryable(err) {
			w.requestAssistance(t, err)
			return task.Output{}, fmt.Errorf("analyze task %s: %w", t.ID, err)
		}
		// Transient failure with retries exhausted: degrade instead of
		// failing the task outright.
		slog.Warn("worker degrading after engine failure", "worker", w.id, "task", t.ID, "error", err)
		out := degradedOutput(t.ID, w.id, err)
		w.reportCompleted(t, out)
		return out, nil
	}

	out := engine.ParseOutput(t.ID, w.id, raw)
	w.reportCompleted(t, out)
	return out, nil
}

func degradedOutput(taskID, agentID string, cause error) task.Output {
	return engine.ParseOutput(taskID, agentID, fmt.Sprintf("analysis unavailable: %v", cause))
}

func (w *Worker) reportCompleted(t task.Task, out task.Output) {
	msg, err := bus.NewMessage(bus.KindResponse, w.id, []string{w.managerID},
		bus.PurposeTaskCompleted, bus.TaskCompleted{TaskID: t.ID, AgentID: w.id, Output: out})
	if err != nil {
		slog.Error("worker build completion message", "worker", w.id, "error", err)
		return
	}
	msg.CorrelationID = t.ID
	if err := w.client.Send(msg); err != nil {
		slog.Error("worker send completion", "worker", w.id, "task", t.ID, "error", err)
	}
}

func (w *Worker) requestAssistance(t task.Task, cause error) {
	msg, err := bus.NewMessage(bus.KindRequest, w.id, []string{w.managerID},
		bus.PurposeAssistanceRequest, bus.AssistanceRequest{TaskID: t.ID, AgentID: w.id, Issue: cause.Error()})
	if err != nil {
		slog.Error("worker build assistance message", "worker", w.id, "error", err)
		return
	}
	msg.CorrelationID = t.ID
	if err := w.client.Send(msg); err != nil {
		slog.Error("worker send assistance request", "worker", w.id, "task", t.ID, "error", err)
	}
}

// Step drains the worker's inbox, executing any direct task assignments,
// and routes control back to its manager.
func (w *Worker) Step(ctx context.Context) (string, error) {
	if w.inbox == nil {
		return w.managerID, nil
	}
	msgs, err := w.inbox.Drain(ctx)
	if err != nil {
		return "", fmt.Errorf("worker %s drain: %w", w.id, err)
	}
	for _, m := range msgs {
		if m.Purpose != bus.PurposeTaskAssignment {
			continue
		}
		ta, err := bus.Decode[bus.TaskAssignment](m)
		if err != nil {
			slog.Warn("worker dropped malformed assignment", "worker", w.id, "error", err)
			continue
		}
		if _, err := w.Execute(ctx, ta.Task); err != nil {
			slog.Warn("worker direct execution failed", "worker", w.id, "task", ta.Task.ID, "error", err)
		}
	}
	return w.managerID, nil
}
