package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the analysis goal of a task.
type Kind string

const (
	KindExtractTopics      Kind = "EXTRACT_TOPICS"
	KindExtractActionItems Kind = "EXTRACT_ACTION_ITEMS"
	KindAnalyzeSentiment   Kind = "ANALYZE_SENTIMENT"
	KindExtractDecisions   Kind = "EXTRACT_DECISIONS"
	KindGenerateSummary    Kind = "GENERATE_SUMMARY"
	KindFullAnalysis       Kind = "FULL_ANALYSIS"
)

// Domain returns the expertise domain a kind belongs to.
func (k Kind) Domain() string {
	switch k {
	case KindExtractTopics:
		return "topics"
	case KindExtractActionItems:
		return "action_items"
	case KindAnalyzeSentiment:
		return "sentiment"
	case KindExtractDecisions:
		return "decisions"
	case KindGenerateSummary:
		return "summary"
	default:
		return "general"
	}
}

// KindForDomain returns the task kind handled by an expertise domain.
func KindForDomain(domain string) Kind {
	switch domain {
	case "topics":
		return KindExtractTopics
	case "action_items":
		return KindExtractActionItems
	case "sentiment":
		return KindAnalyzeSentiment
	case "decisions":
		return KindExtractDecisions
	case "summary":
		return KindGenerateSummary
	default:
		return KindFullAnalysis
	}
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Confidence is the qualitative certainty of an analysis output.
type Confidence string

const (
	ConfidenceHigh      Confidence = "HIGH"
	ConfidenceMedium    Confidence = "MEDIUM"
	ConfidenceLow       Confidence = "LOW"
	ConfidenceUncertain Confidence = "UNCERTAIN"
)

// Weight maps a qualitative confidence to its numeric weight.
func (c Confidence) Weight() float64 {
	switch c {
	case ConfidenceHigh:
		return 1.0
	case ConfidenceMedium:
		return 0.7
	case ConfidenceLow:
		return 0.4
	default:
		return 0.2
	}
}

// ParseConfidence normalizes a raw confidence label, defaulting to UNCERTAIN.
func ParseConfidence(raw string) Confidence {
	switch Confidence(raw) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow, ConfidenceUncertain:
		return Confidence(raw)
	default:
		return ConfidenceUncertain
	}
}

// Quantize maps a mean weight back to a qualitative confidence.
func Quantize(mean float64) Confidence {
	switch {
	case mean > 0.8:
		return ConfidenceHigh
	case mean > 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Component is one logical unit of a task supplied by an upstream
// decomposition step. Prereqs reference other component names within the
// same task.
type Component struct {
	Name    string   `json:"name"`
	Content string   `json:"content"`
	Prereqs []string `json:"prereqs,omitempty"`
}

// Input is the opaque payload a task carries to its executor.
type Input struct {
	Content      string      `json:"content"`
	Instructions string      `json:"instructions,omitempty"`
	Components   []Component `json:"components,omitempty"`
	// Expertise overrides the executing agent's capability check when set.
	Expertise string `json:"expertise,omitempty"`
	Guidance  string `json:"guidance,omitempty"`
}

// OutputMeta records provenance of an output.
type OutputMeta struct {
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	ProducedAt time.Time `json:"produced_at"`
}

// Output is the result envelope of a completed task.
type Output struct {
	Content    json.RawMessage `json:"content"`
	Confidence Confidence      `json:"confidence"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Meta       OutputMeta      `json:"meta"`
}

// Task is the unit of work tracked by the registry.
type Task struct {
	ID           string   `json:"id"`
	RunID        string   `json:"run_id,omitempty"`
	ParentID     string   `json:"parent_id,omitempty"`
	Kind         Kind     `json:"kind"`
	Status       Status   `json:"status"`
	Priority     int      `json:"priority"` // lower = more urgent
	Dependencies []string `json:"dependencies,omitempty"`
	Input        Input    `json:"input"`
	Output       *Output  `json:"output,omitempty"`
	AssignedTo   string   `json:"assigned_to,omitempty"`
	FailReason   string   `json:"fail_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a value copy with a detached Content buffer.
func (o Output) clone() Output {
	o.Content = append(json.RawMessage(nil), o.Content...)
	return o
}

// clone returns a value copy detached from its source record. Output and
// Dependencies are duplicated so a caller holding the copy cannot reach the
// original through shared pointers or backing arrays.
func (t *Task) clone() Task {
	cp := *t
	if t.Output != nil {
		out := t.Output.clone()
		cp.Output = &out
	}
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return cp
}

// New creates a pending task with a fresh id.
func New(kind Kind, input Input) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Retry returns a fresh pending task referencing the same input. A FAILED
// task never restarts under its old id.
func (t *Task) Retry() *Task {
	nt := New(t.Kind, t.Input)
	nt.RunID = t.RunID
	nt.ParentID = t.ParentID
	nt.Priority = t.Priority
	nt.Dependencies = append([]string(nil), t.Dependencies...)
	return nt
}

// Merge combines outputs into a single output with confidence recombination:
// the arithmetic mean of the contributing weights, re-quantized. It is
// deterministic given the same inputs and never returns an empty result for
// non-empty input.
func Merge(taskID, agentID string, outputs []Output) Output {
	if len(outputs) == 1 {
		out := outputs[0]
		out.Meta = OutputMeta{TaskID: taskID, AgentID: agentID, ProducedAt: time.Now().UTC()}
		return out
	}

	parts := make([]json.RawMessage, 0, len(outputs))
	sum := 0.0
	for _, o := range outputs {
		parts = append(parts, o.Content)
		sum += o.Confidence.Weight()
	}
	content, _ := json.Marshal(map[string]any{"parts": parts})

	return Output{
		Content:    content,
		Confidence: Quantize(sum / float64(len(outputs))),
		Reasoning:  "merged from subtask results",
		Meta:       OutputMeta{TaskID: taskID, AgentID: agentID, ProducedAt: time.Now().UTC()},
	}
}

// Best returns the highest-weighted output, ties broken by input order.
// Used as the deterministic synthesis fallback.
func Best(outputs []Output) (Output, bool) {
	if len(outputs) == 0 {
		return Output{}, false
	}
	best := outputs[0]
	for _, o := range outputs[1:] {
		if o.Confidence.Weight() > best.Confidence.Weight() {
			best = o
		}
	}
	return best, true
}
