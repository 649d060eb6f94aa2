package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/epoptis/internal/bus"
)

// AuditedMessage is one bus message as recorded in the audit log.
type AuditedMessage struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Sender        string          `json:"sender"`
	Recipients    []string        `json:"recipients"`
	Purpose       string          `json:"purpose"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AuditMessage appends a bus message to the audit log.
func (s *Store) AuditMessage(m bus.Message) error {
	_, err := s.db.Exec(`
		INSERT INTO bus_messages (id, kind, sender, recipients, purpose, correlation_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.Sender, strings.Join(m.Recipients, ","),
		string(m.Purpose), m.CorrelationID, nullableJSON(m.Payload))
	if err != nil {
		return fmt.Errorf("audit message: %w", err)
	}
	return nil
}

// MessagesByCorrelation lists the audit trail of one task or run, oldest
// first.
func (s *Store) MessagesByCorrelation(correlationID string) ([]AuditedMessage, error) {
	return s.queryMessages(`
		SELECT seq, id, kind, sender, recipients, purpose, correlation_id, payload, created_at
		FROM bus_messages
		WHERE correlation_id = ?
		ORDER BY seq`, correlationID)
}

// RecentMessages lists the newest audit entries.
func (s *Store) RecentMessages(limit int) ([]AuditedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMessages(`
		SELECT seq, id, kind, sender, recipients, purpose, correlation_id, payload, created_at
		FROM bus_messages
		ORDER BY seq DESC
		LIMIT ?`, limit)
}

func (s *Store) queryMessages(query string, args ...any) ([]AuditedMessage, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []AuditedMessage
	for rows.Next() {
		var m AuditedMessage
		var recipients string
		var correlation, payload *string
		if err := rows.Scan(&m.Seq, &m.ID, &m.Kind, &m.Sender, &recipients, &m.Purpose, &correlation, &payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if recipients != "" {
			m.Recipients = strings.Split(recipients, ",")
		}
		if correlation != nil {
			m.CorrelationID = *correlation
		}
		if payload != nil {
			m.Payload = json.RawMessage(*payload)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
