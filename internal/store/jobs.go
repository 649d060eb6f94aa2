package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledJob is a recurring analysis: the transcript under its memory
// key is re-analyzed on every due tick.
type ScheduledJob struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Schedule      string     `json:"schedule"` // JSON schedule spec
	TranscriptKey string     `json:"transcript_key"`
	Status        string     `json:"status"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastStatus    string     `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

const jobColumns = `id, name, schedule, transcript_key, status,
	       next_run_at, last_run_at, last_status, last_error, created_at`

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var lastStatus, lastError *string
	err := scanner.Scan(&j.ID, &j.Name, &j.Schedule, &j.TranscriptKey, &j.Status,
		&j.NextRunAt, &j.LastRunAt, &lastStatus, &lastError, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		j.LastStatus = *lastStatus
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return j, nil
}

func (s *Store) SaveJob(j *ScheduledJob) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_jobs (id, name, schedule, transcript_key, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			transcript_key = excluded.transcript_key,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		j.ID, j.Name, j.Schedule, j.TranscriptKey, j.Status, j.NextRunAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*ScheduledJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs() ([]ScheduledJob, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM scheduled_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// GetDueJobs lists the active jobs whose next run is at or before now.
func (s *Store) GetDueJobs(now time.Time) ([]ScheduledJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM scheduled_jobs
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// RecordJobRun updates the bookkeeping after an execution attempt.
func (s *Store) RecordJobRun(id string, ranAt time.Time, next *time.Time, status, lastErr string) error {
	jobStatus := "active"
	if next == nil {
		// One-shot schedules deactivate after their run.
		jobStatus = "done"
	}
	_, err := s.db.Exec(`
		UPDATE scheduled_jobs
		SET last_run_at = ?, next_run_at = ?, last_status = ?, last_error = ?, status = ?
		WHERE id = ?`, ranAt, next, status, lastErr, jobStatus, id)
	if err != nil {
		return fmt.Errorf("record job run: %w", err)
	}
	return nil
}

func (s *Store) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
