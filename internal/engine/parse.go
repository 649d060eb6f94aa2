package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mtzanidakis/epoptis/internal/task"
)

// structured is the JSON shape the engine is instructed to return.
type structured struct {
	Content    json.RawMessage `json:"content"`
	Confidence string          `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
}

// ParseOutput parses raw engine output into a typed result. Malformed output
// degrades to a LOW-confidence result wrapping the raw text instead of
// failing the task.
func ParseOutput(taskID, agentID, raw string) task.Output {
	meta := task.OutputMeta{TaskID: taskID, AgentID: agentID, ProducedAt: time.Now().UTC()}

	var s structured
	if err := json.Unmarshal([]byte(extractJSON(raw)), &s); err == nil && len(s.Content) > 0 {
		return task.Output{
			Content:    s.Content,
			Confidence: task.ParseConfidence(strings.ToUpper(s.Confidence)),
			Reasoning:  s.Reasoning,
			Meta:       meta,
		}
	}

	degraded, _ := json.Marshal(map[string]string{"raw_analysis": raw})
	return task.Output{
		Content:    degraded,
		Confidence: task.ConfidenceLow,
		Reasoning:  "engine output could not be parsed as structured JSON",
		Meta:       meta,
	}
}

// StrictParse parses raw engine output without the degraded fallback. Used
// by synthesis, where a parse failure selects the best prior result instead.
func StrictParse(raw string) (json.RawMessage, task.Confidence, error) {
	var s structured
	if err := json.Unmarshal([]byte(extractJSON(raw)), &s); err != nil {
		return nil, "", &AdapterError{Op: "parse", Err: err}
	}
	if len(s.Content) == 0 {
		return nil, "", &AdapterError{Op: "parse", Err: errEmptyContent}
	}
	return s.Content, task.ParseConfidence(strings.ToUpper(s.Confidence)), nil
}

var errEmptyContent = jsonError("structured output has no content")

type jsonError string

func (e jsonError) Error() string { return string(e) }

// extractJSON trims prose wrapping around a JSON object, a common failure
// mode of language-model engines.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
