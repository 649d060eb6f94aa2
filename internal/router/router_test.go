package router

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptNode replays a fixed sequence of successors, then finishes.
type scriptNode struct {
	id    string
	next  []string
	err   error
	steps int
}

func (n *scriptNode) ID() string { return n.id }

func (n *scriptNode) Step(ctx context.Context) (string, error) {
	n.steps++
	if n.err != nil {
		return "", n.err
	}
	if len(n.next) == 0 {
		return "", nil
	}
	next := n.next[0]
	n.next = n.next[1:]
	return next, nil
}

func TestRunFollowsTransitions(t *testing.T) {
	sup := &scriptNode{id: "sup", next: []string{"mgr-a", "mgr-b", ""}}
	a := &scriptNode{id: "mgr-a", next: []string{"sup"}}
	b := &scriptNode{id: "mgr-b", next: []string{"sup"}}

	r := New("sup", 0)
	r.Register(sup)
	r.Register(a)
	r.Register(b)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sup.steps != 3 || a.steps != 1 || b.steps != 1 {
		t.Errorf("unexpected step counts: sup=%d a=%d b=%d", sup.steps, a.steps, b.steps)
	}
}

func TestRunResolvesAliases(t *testing.T) {
	sup := &scriptNode{id: "sup", next: []string{"topics team", ""}}
	mgr := &scriptNode{id: "mgr-topics", next: []string{"sup"}}

	r := New("sup", 0)
	r.Register(sup)
	r.Register(mgr)
	r.Alias("topics team", "mgr-topics")

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if mgr.steps != 1 {
		t.Errorf("aliased node not stepped, steps=%d", mgr.steps)
	}
}

func TestRunStopsOnNodeError(t *testing.T) {
	boom := errors.New("engine down")
	sup := &scriptNode{id: "sup", err: boom}

	r := New("sup", 0)
	r.Register(sup)

	err := r.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped node error, got %v", err)
	}
	if !strings.Contains(err.Error(), "sup") {
		t.Errorf("error should name the failing node: %v", err)
	}
}

func TestRunEnforcesStepLimit(t *testing.T) {
	// Two nodes that hand control back and forth forever.
	ping := &loopNode{id: "a", to: "b"}
	pong := &loopNode{id: "b", to: "a"}

	r := New("a", 10)
	r.Register(ping)
	r.Register(pong)

	err := r.Run(context.Background())
	if !errors.Is(err, ErrStepLimit) {
		t.Fatalf("expected ErrStepLimit, got %v", err)
	}
	if ping.steps+pong.steps != 10 {
		t.Errorf("expected exactly 10 steps before abort, got %d", ping.steps+pong.steps)
	}
}

type loopNode struct {
	id    string
	to    string
	steps int
}

func (n *loopNode) ID() string { return n.id }
func (n *loopNode) Step(ctx context.Context) (string, error) {
	n.steps++
	return n.to, nil
}

func TestRunToUnknownNode(t *testing.T) {
	sup := &scriptNode{id: "sup", next: []string{"nowhere"}}

	r := New("sup", 0)
	r.Register(sup)

	err := r.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("expected unknown node error, got %v", err)
	}
}

func TestRunHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New("sup", 0)
	r.Register(&loopNode{id: "sup", to: "sup"})

	if err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
