package supervisor

import (
	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/registry"
)

// Action is the supervisor's response to an escalated task.
type Action string

const (
	// ActionReassign hands the task to a different manager.
	ActionReassign Action = "reassign"
	// ActionGuide sends the escalating manager a note and lets it retry.
	ActionGuide Action = "guide"
	// ActionDecompose splits the task and redistributes the pieces.
	ActionDecompose Action = "decompose"
	// ActionFail marks the task FAILED and lets the run continue without it.
	ActionFail Action = "fail"
	// ActionDirect makes the supervisor run the analysis itself.
	ActionDirect Action = "direct"
)

// Decision is the outcome of an escalation policy evaluation.
type Decision struct {
	Action   Action
	Guidance string // note attached to ActionGuide
}

// EscalationPolicy maps an escalation to a decision. candidates are the
// managers covering the task's domain excluding the one that escalated,
// ranked by performance. attempt counts prior escalations of the same task,
// so a policy can stop a guide/retry loop. Policies must be deterministic
// for identical inputs.
type EscalationPolicy func(esc bus.Escalation, candidates []registry.ManagerRecord, attempt int) Decision

// DefaultPolicy resolves escalations without ever looping: reassignment is
// preferred while an alternative manager exists, a single guided retry is
// granted for wholesale subtask failure, and anything the pool cannot
// absorb lands on the supervisor's own engine.
func DefaultPolicy(esc bus.Escalation, candidates []registry.ManagerRecord, attempt int) Decision {
	switch esc.Reason {
	case bus.ReasonNoWorkerAvailable, bus.ReasonWorkerRemoved:
		if len(candidates) > 0 {
			return Decision{Action: ActionReassign}
		}
		return Decision{Action: ActionDirect}

	case bus.ReasonAssistanceUnsolved:
		return Decision{Action: ActionDirect}

	case bus.ReasonAllSubtasksFailed:
		if attempt == 0 {
			return Decision{
				Action:   ActionGuide,
				Guidance: "previous attempt failed on every subtask; produce a best-effort result and mark the confidence accordingly",
			}
		}
		return Decision{Action: ActionFail}

	default:
		return Decision{Action: ActionFail}
	}
}
