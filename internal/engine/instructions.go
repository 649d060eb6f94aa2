package engine

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/epoptis/internal/task"
)

const outputContract = `Respond with a single JSON object: {"content": <structured result>, "confidence": "HIGH"|"MEDIUM"|"LOW"|"UNCERTAIN", "reasoning": <short explanation>}.`

// InstructionsFor returns the analysis instructions for a task kind. A
// task's own instructions, when present, take precedence over these.
func InstructionsFor(kind task.Kind) string {
	var goal string
	switch kind {
	case task.KindExtractTopics:
		goal = "Extract the main discussion topics from the transcript. For each topic include a name, the participants involved and a one-sentence description."
	case task.KindExtractActionItems:
		goal = "Extract action items from the transcript. For each include the owner, the task description and any stated deadline."
	case task.KindAnalyzeSentiment:
		goal = "Analyze the overall sentiment of the transcript and per-participant tone. Note points of tension or agreement."
	case task.KindExtractDecisions:
		goal = "Extract the decisions made in the transcript, who made them and the stated rationale."
	case task.KindGenerateSummary:
		goal = "Generate a concise summary of the transcript, covering the key topics, decisions and next steps."
	default:
		goal = "Analyze the transcript and report the most relevant findings."
	}
	return goal + " " + outputContract
}

// SynthesisInstructions asks the engine to merge several partial results
// into one coherent artifact.
func SynthesisInstructions(sections []string) string {
	var sb strings.Builder
	sb.WriteString("Merge the following analysis results into a single coherent analysis. ")
	sb.WriteString(outputContract)
	sb.WriteString("\n\n")
	for i, s := range sections {
		fmt.Fprintf(&sb, "## Result %d\n\n%s\n\n", i+1, s)
	}
	return sb.String()
}

// AssistanceInstructions asks the engine whether a worker-reported issue can
// be resolved without escalation.
func AssistanceInstructions(issue string) string {
	return fmt.Sprintf("A worker reported the following issue while analyzing a transcript: %q. "+
		"If you can resolve it directly, do so. %s If you cannot, respond with the literal text CANNOT_RESOLVE.", issue, outputContract)
}
