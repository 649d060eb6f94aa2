package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/epoptis/internal/schedule"
	"github.com/mtzanidakis/epoptis/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Analysis runs
	mux.HandleFunc("POST /api/analyze", s.createRun)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/runs/{id}/history", s.getRunHistory)

	// Scheduled jobs
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("PUT /api/jobs/{id}", s.updateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.deleteJob)

	// Message audit trail
	mux.HandleFunc("GET /api/messages", s.listMessages)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Transcript) == "" {
		jsonError(w, "transcript is required", http.StatusBadRequest)
		return
	}

	runID, err := s.launcher.LaunchRun(r.Context(), body.Transcript)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"run_id": runID, "status": "started"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(0)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToAPI(run))
	}
	jsonResponse(w, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, runToAPI(*run))
}

func (s *Server) getRunHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	history, err := s.store.RunTaskHistory(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, history)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToAPI(j))
	}
	jsonResponse(w, out)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name          string `json:"name"`
		Schedule      string `json:"schedule"`
		TranscriptKey string `json:"transcript_key"`
		Enabled       *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.TranscriptKey == "" {
		jsonError(w, "name, schedule, and transcript_key are required", http.StatusBadRequest)
		return
	}

	// Normalize handles plain cron strings.
	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	j := store.ScheduledJob{
		ID:            uuid.New().String(),
		Name:          body.Name,
		Schedule:      normalized,
		TranscriptKey: body.TranscriptKey,
		Status:        status,
	}
	if status == "active" {
		j.NextRunAt = schedule.NextRun(normalized)
	}

	if err := s.store.SaveJob(&j); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, jobToAPI(j))
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetJob(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name          *string `json:"name"`
		Schedule      *string `json:"schedule"`
		TranscriptKey *string `json:"transcript_key"`
		Enabled       *bool   `json:"enabled"`
		Status        *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.TranscriptKey != nil {
		existing.TranscriptKey = *body.TranscriptKey
	}

	// Enabled bool maps onto the status column
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "done" {
			existing.Status = "paused"
		}
	} else if body.Status != nil {
		existing.Status = *body.Status
	}

	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == "active" {
		existing.NextRunAt = schedule.NextRun(existing.Schedule)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveJob(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, jobToAPI(*existing))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteJob(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.RecentMessages(100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, msgs)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	runs, _ := s.store.ListRuns(0)
	jobs, _ := s.store.ListJobs()

	activeRuns, completedRuns := 0, 0
	for _, run := range runs {
		switch run.Status {
		case store.RunRunning:
			activeRuns++
		case store.RunCompleted:
			completedRuns++
		}
	}

	activeJobs := 0
	for _, j := range jobs {
		if j.Status == "active" {
			activeJobs++
		}
	}

	jsonResponse(w, map[string]any{
		"status":         "ok",
		"active_runs":    activeRuns,
		"completed_runs": completedRuns,
		"active_jobs":    activeJobs,
		"uptime":         formatUptime(time.Since(s.startedAt)),
		"nats":           "ok",
		"timestamp":      time.Now().UTC(),
		"version":        s.version,
	})
}

func runToAPI(r store.Run) map[string]any {
	m := map[string]any{
		"id":             r.ID,
		"transcript_key": r.TranscriptKey,
		"status":         r.Status,
		"started_at":     r.StartedAt,
	}
	if len(r.Result) > 0 {
		m["result"] = r.Result
	}
	if r.Confidence != "" {
		m["confidence"] = r.Confidence
	}
	if r.CompletedAt != nil {
		m["completed_at"] = *r.CompletedAt
	}
	return m
}

func jobToAPI(j store.ScheduledJob) map[string]any {
	m := map[string]any{
		"id":               j.ID,
		"name":             j.Name,
		"schedule":         j.Schedule,
		"schedule_display": schedule.Describe(j.Schedule),
		"transcript_key":   j.TranscriptKey,
		"enabled":          j.Status == "active",
		"status":           j.Status,
	}
	if j.LastRunAt != nil {
		m["last_run"] = formatEventTime(*j.LastRunAt)
	}
	if j.NextRunAt != nil {
		m["next_run"] = formatEventTime(*j.NextRunAt)
	}
	if j.LastStatus != "" {
		m["last_status"] = j.LastStatus
	}
	if j.LastError != "" {
		m["last_error"] = j.LastError
	}
	return m
}

func formatEventTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
