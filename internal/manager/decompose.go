package manager

import (
	"strings"

	"github.com/mtzanidakis/epoptis/internal/task"
)

// Subtask priorities assigned during decomposition. Components that are
// prerequisites for others come first, unrelated leaves in the middle,
// dependents of unmet prerequisites last.
const (
	priorityPrerequisite = 1
	priorityLeaf         = 2
	priorityDependent    = 3
)

// DecomposePolicy splits a task into between 1 and available worker-sized
// subtasks. Policies must be deterministic given the same inputs so the
// scheduling core stays testable.
type DecomposePolicy func(t task.Task, available int) []task.Task

// trivialLength is the content size below which a task is passed through
// undivided.
const trivialLength = 400

// DefaultDecompose is the built-in policy. With one worker or a trivial
// task it passes the task through unchanged. When the input carries logical
// components from an upstream analysis step it splits along those,
// preserving their prerequisite graph as subtask dependencies. Otherwise it
// partitions the content evenly by count.
func DefaultDecompose(t task.Task, available int) []task.Task {
	if available <= 1 || len(t.Input.Content) < trivialLength && len(t.Input.Components) == 0 {
		sub := task.New(t.Kind, t.Input)
		sub.ParentID = t.ID
		sub.RunID = t.RunID
		sub.Priority = priorityLeaf
		return []task.Task{*sub}
	}

	if len(t.Input.Components) > 0 {
		return decomposeComponents(t, available)
	}
	return decomposeEven(t, available)
}

func decomposeComponents(t task.Task, available int) []task.Task {
	comps := t.Input.Components
	if len(comps) > available {
		// Fold the tail into the last worker-sized component so the
		// subtask count never exceeds the available workers.
		merged := comps[available-1]
		for _, c := range comps[available:] {
			merged.Content += "\n\n" + c.Content
			merged.Prereqs = append(merged.Prereqs, c.Prereqs...)
		}
		comps = append(append([]task.Component(nil), comps[:available-1]...), merged)
	}

	// A component named as someone's prerequisite runs first; a component
	// with prerequisites of its own runs last.
	isPrereq := make(map[string]bool)
	for _, c := range comps {
		for _, p := range c.Prereqs {
			isPrereq[p] = true
		}
	}

	idByName := make(map[string]string, len(comps))
	subs := make([]task.Task, 0, len(comps))
	for _, c := range comps {
		sub := task.New(t.Kind, task.Input{
			Content:      c.Content,
			Instructions: t.Input.Instructions,
			Expertise:    t.Input.Expertise,
			Guidance:     t.Input.Guidance,
		})
		sub.ParentID = t.ID
		sub.RunID = t.RunID
		switch {
		case isPrereq[c.Name]:
			sub.Priority = priorityPrerequisite
		case len(c.Prereqs) > 0:
			sub.Priority = priorityDependent
		default:
			sub.Priority = priorityLeaf
		}
		idByName[c.Name] = sub.ID
		subs = append(subs, *sub)
	}

	for i, c := range comps {
		for _, p := range c.Prereqs {
			if id, ok := idByName[p]; ok && id != subs[i].ID {
				subs[i].Dependencies = append(subs[i].Dependencies, id)
			}
		}
	}
	return subs
}

func decomposeEven(t task.Task, available int) []task.Task {
	parts := splitEven(t.Input.Content, available)
	subs := make([]task.Task, 0, len(parts))
	for _, p := range parts {
		sub := task.New(t.Kind, task.Input{
			Content:      p,
			Instructions: t.Input.Instructions,
			Expertise:    t.Input.Expertise,
			Guidance:     t.Input.Guidance,
		})
		sub.ParentID = t.ID
		sub.RunID = t.RunID
		sub.Priority = priorityLeaf
		subs = append(subs, *sub)
	}
	return subs
}

// splitEven partitions content into at most n chunks on line boundaries.
func splitEven(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if n > len(lines) {
		n = len(lines)
	}
	if n <= 1 {
		return []string{content}
	}

	chunks := make([]string, 0, n)
	per := (len(lines) + n - 1) / n
	for start := 0; start < len(lines); start += per {
		end := start + per
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, strings.Join(lines[start:end], "\n"))
	}
	return chunks
}

// matchWorkers pairs subtask indexes with worker indexes: one-to-one when
// the counts match, round-robin (subtask index mod worker count) when
// subtasks outnumber workers, and first-N truncation when workers
// outnumber subtasks.
//
// TODO: skill-aware matching once worker expertise diverges within a team.
func matchWorkers(subtasks, workers int) []int {
	out := make([]int, subtasks)
	for i := range out {
		out[i] = i % workers
	}
	return out
}
