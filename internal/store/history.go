package store

import (
	"fmt"
	"time"

	"github.com/mtzanidakis/epoptis/internal/task"
)

// HistoryEntry is one append-only record of a task status transition.
type HistoryEntry struct {
	Seq        int64     `json:"seq"`
	TaskID     string    `json:"task_id"`
	RunID      string    `json:"run_id,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendTaskHistory records the task's current state. The table is
// append-only; every transition gets its own row.
func (s *Store) AppendTaskHistory(t task.Task) error {
	detail := t.FailReason
	_, err := s.db.Exec(`
		INSERT INTO task_history (task_id, run_id, parent_id, kind, status, assigned_to, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.ParentID, string(t.Kind), string(t.Status), t.AssignedTo, detail)
	if err != nil {
		return fmt.Errorf("append task history: %w", err)
	}
	return nil
}

// RunTaskHistory lists the recorded transitions of one run in order.
func (s *Store) RunTaskHistory(runID string) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT seq, task_id, run_id, parent_id, kind, status, assigned_to, detail, created_at
		FROM task_history
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("run task history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var runID, parentID, assignedTo, detail *string
		if err := rows.Scan(&e.Seq, &e.TaskID, &runID, &parentID, &e.Kind, &e.Status, &assignedTo, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		if runID != nil {
			e.RunID = *runID
		}
		if parentID != nil {
			e.ParentID = *parentID
		}
		if assignedTo != nil {
			e.AssignedTo = *assignedTo
		}
		if detail != nil {
			e.Detail = *detail
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
