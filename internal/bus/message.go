package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/epoptis/internal/task"
)

// Kind classifies a message envelope.
type Kind string

const (
	KindRequest      Kind = "REQUEST"
	KindResponse     Kind = "RESPONSE"
	KindNotification Kind = "NOTIFICATION"
	KindDelegate     Kind = "DELEGATE"
	KindEscalate     Kind = "ESCALATE"
)

// Purpose tags the payload variant carried by a message. Handlers switch on
// it exhaustively instead of probing optional fields.
type Purpose string

const (
	PurposeTaskAssignment    Purpose = "task_assignment"
	PurposeTaskCompleted     Purpose = "task_completed"
	PurposeTaskFailed        Purpose = "task_failed"
	PurposeAssistanceRequest Purpose = "assistance_request"
	PurposeEscalation        Purpose = "escalation"
	PurposeGuidance          Purpose = "guidance"
	PurposeRegistration      Purpose = "registration"
	PurposeStatusUpdate      Purpose = "status_update"
	PurposeBootstrap         Purpose = "bootstrap"

	// purposeSync is an internal delivery barrier, never queued.
	purposeSync Purpose = "sync"
)

// Message is the communication envelope exchanged between agents.
type Message struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Sender        string          `json:"sender"`
	Recipients    []string        `json:"recipients"`
	Purpose       Purpose         `json:"purpose"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Payload variants, one per purpose.

type TaskAssignment struct {
	Task task.Task `json:"task"`
}

type TaskCompleted struct {
	TaskID  string      `json:"task_id"`
	AgentID string      `json:"agent_id"`
	Output  task.Output `json:"output"`
}

type TaskFailed struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

type AssistanceRequest struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Issue   string `json:"issue"`
}

// EscalationReason names the condition that forced an escalation.
type EscalationReason string

const (
	ReasonNoWorkerAvailable  EscalationReason = "no_worker_available"
	ReasonAssistanceUnsolved EscalationReason = "assistance_unsolved"
	ReasonWorkerRemoved      EscalationReason = "worker_removed"
	ReasonAllSubtasksFailed  EscalationReason = "all_subtasks_failed"
)

type Escalation struct {
	Task     task.Task        `json:"task"`
	Reason   EscalationReason `json:"reason"`
	Detail   string           `json:"detail,omitempty"`
	Workers  []string         `json:"workers,omitempty"`
	Partials []task.Output    `json:"partials,omitempty"`
}

type Guidance struct {
	TaskID string `json:"task_id"`
	Note   string `json:"note"`
}

type Registration struct {
	AgentID   string   `json:"agent_id"`
	Role      string   `json:"role"` // "worker" or "manager"
	Expertise []string `json:"expertise"`
}

type StatusUpdate struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

type Bootstrap struct {
	RunID         string `json:"run_id"`
	TranscriptKey string `json:"transcript_key"`
	Transcript    string `json:"transcript"`
}

// NewMessage builds an envelope with a fresh id and the payload marshaled.
func NewMessage(kind Kind, sender string, recipients []string, purpose Purpose, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", purpose, err)
	}
	return Message{
		ID:         uuid.New().String(),
		Kind:       kind,
		Sender:     sender,
		Recipients: recipients,
		Purpose:    purpose,
		Payload:    data,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload of a message into its typed variant.
func Decode[T any](m Message) (T, error) {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", m.Purpose, err)
	}
	return v, nil
}
