// Package scheduler polls the scheduled-jobs table and launches analysis
// runs for jobs that are due.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/epoptis/internal/config"
	"github.com/mtzanidakis/epoptis/internal/schedule"
	"github.com/mtzanidakis/epoptis/internal/store"
)

// RunLauncher starts an analysis run for a transcript stored in the
// memory namespace. Satisfied by the coordinator.
type RunLauncher interface {
	LaunchStored(ctx context.Context, transcriptKey string) (runID string, err error)
}

type Scheduler struct {
	store        *store.Store
	launcher     RunLauncher
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, launcher RunLauncher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		launcher:     launcher,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	jobs, err := s.store.GetDueJobs(time.Now())
	if err != nil {
		slog.Error("failed to get due jobs", "error", err)
		return
	}

	for _, job := range jobs {
		s.execute(ctx, job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job store.ScheduledJob) {
	slog.Info("launching scheduled analysis", "id", job.ID, "name", job.Name, "transcript", job.TranscriptKey)

	ranAt := time.Now()
	runID, err := s.launcher.LaunchStored(ctx, job.TranscriptKey)

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled analysis failed", "id", job.ID, "error", err)
	} else {
		lastStatus = "success"
		slog.Info("scheduled analysis launched", "id", job.ID, "run", runID)
	}

	next := schedule.NextRun(job.Schedule)
	if err := s.store.RecordJobRun(job.ID, ranAt, next, lastStatus, lastError); err != nil {
		slog.Error("failed to record job run", "id", job.ID, "error", err)
	}
	if next == nil {
		slog.Info("schedule exhausted, job deactivated", "id", job.ID, "name", job.Name)
	}
}
