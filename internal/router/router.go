// Package router drives the control flow of one analysis run. Agents are
// nodes in a graph; each step hands control to exactly one node, which
// processes its pending messages and names the next node. The run ends
// when a node returns no successor.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrStepLimit marks a run aborted for exceeding its step budget. State
// accumulated in the task registry up to that point is retained.
var ErrStepLimit = errors.New("router step limit exceeded")

// Node is one stop in the control-flow graph. Step processes the node's
// pending messages and returns the id of the next node, empty when the
// run is finished.
type Node interface {
	ID() string
	Step(ctx context.Context) (next string, err error)
}

// DefaultMaxSteps bounds a run that never settles, for example an
// escalation policy and a manager handing a task back and forth.
const DefaultMaxSteps = 256

type Router struct {
	nodes    map[string]Node
	aliases  map[string]string
	entry    string
	maxSteps int
}

// New creates a router that starts every run at the entry node.
func New(entry string, maxSteps int) *Router {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Router{
		nodes:    make(map[string]Node),
		aliases:  make(map[string]string),
		entry:    entry,
		maxSteps: maxSteps,
	}
}

// Register adds a node to the graph.
func (r *Router) Register(n Node) {
	r.nodes[n.ID()] = n
}

// Alias maps an alternate name, typically a configured team name, to a
// registered node id.
func (r *Router) Alias(name, nodeID string) {
	r.aliases[name] = nodeID
}

func (r *Router) resolve(name string) (Node, bool) {
	if n, ok := r.nodes[name]; ok {
		return n, true
	}
	if id, ok := r.aliases[name]; ok {
		n, ok := r.nodes[id]
		return n, ok
	}
	return nil, false
}

// Run executes the control loop until a node finishes the run, a node
// fails, the step budget is exhausted or the context is canceled. On
// every error path the run stops with whatever state the registries
// already hold; nothing is rolled back.
func (r *Router) Run(ctx context.Context) error {
	current := r.entry
	for step := 0; ; step++ {
		if step >= r.maxSteps {
			return fmt.Errorf("%w after %d steps at %s", ErrStepLimit, step, current)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		node, ok := r.resolve(current)
		if !ok {
			return fmt.Errorf("route to unknown node %q", current)
		}

		next, err := node.Step(ctx)
		if err != nil {
			return fmt.Errorf("node %s: %w", node.ID(), err)
		}
		if next == "" {
			slog.Debug("run finished", "steps", step+1, "last", node.ID())
			return nil
		}
		slog.Debug("routing", "from", node.ID(), "to", next, "step", step+1)
		current = next
	}
}
