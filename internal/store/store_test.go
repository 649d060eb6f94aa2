package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/config"
	"github.com/mtzanidakis/epoptis/internal/task"
	"github.com/mtzanidakis/epoptis/internal/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveRun(&Run{ID: "run-1", TranscriptKey: "transcripts/standup", Status: RunRunning}); err != nil {
		t.Fatalf("save: %v", err)
	}

	result := json.RawMessage(`{"summary":"short meeting"}`)
	if err := s.UpdateRun("run-1", RunCompleted, result, "HIGH"); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != RunCompleted {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Confidence != "HIGH" {
		t.Errorf("confidence: got %q", got.Confidence)
	}
	if string(got.Result) != string(result) {
		t.Errorf("result: got %s", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("completed run missing completion time")
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("unexpected list: %+v", runs)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRun("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing run, got %+v", got)
	}
}

func TestTaskHistoryAppendOnly(t *testing.T) {
	s := newTestStore(t)

	tt := task.New(task.KindExtractTopics, task.Input{Content: "transcript"})
	tt.RunID = "run-1"
	if err := s.AppendTaskHistory(*tt); err != nil {
		t.Fatalf("append pending: %v", err)
	}
	tt.Status = task.StatusInProgress
	tt.AssignedTo = "mgr-topics"
	if err := s.AppendTaskHistory(*tt); err != nil {
		t.Fatalf("append in-progress: %v", err)
	}

	entries, err := s.RunTaskHistory("run-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(entries))
	}
	if entries[0].Status != string(task.StatusPending) || entries[1].Status != string(task.StatusInProgress) {
		t.Errorf("transitions out of order: %+v", entries)
	}
	if entries[1].AssignedTo != "mgr-topics" {
		t.Errorf("assignee not recorded: %+v", entries[1])
	}
}

// During a run the audit subscription inserts from NATS callback goroutines
// while the run goroutine appends history and updates the run row. Every
// pooled connection must carry the busy timeout or these writes fail with
// SQLITE_BUSY.
func TestConcurrentWrites(t *testing.T) {
	s := newTestStore(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter*2)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				msg, err := bus.NewMessage(bus.KindDelegate, fmt.Sprintf("mgr-%d", n), []string{"worker"},
					bus.PurposeTaskAssignment, bus.TaskAssignment{})
				if err != nil {
					errs <- err
					continue
				}
				if err := s.AuditMessage(msg); err != nil {
					errs <- err
				}

				tt := task.New(task.KindExtractTopics, task.Input{Content: "chunk"})
				tt.RunID = "run-1"
				if err := s.AppendTaskHistory(*tt); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write: %v", err)
	}

	entries, err := s.RunTaskHistory("run-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Errorf("expected %d history entries, got %d", writers*perWriter, len(entries))
	}
}

func TestAuditTrail(t *testing.T) {
	s := newTestStore(t)

	msg, err := bus.NewMessage(bus.KindDelegate, "supervisor", []string{"mgr-topics", "mgr-actions"},
		bus.PurposeTaskAssignment, bus.TaskAssignment{})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	msg.CorrelationID = "task-1"
	if err := s.AuditMessage(msg); err != nil {
		t.Fatalf("audit: %v", err)
	}

	byCorr, err := s.MessagesByCorrelation("task-1")
	if err != nil {
		t.Fatalf("by correlation: %v", err)
	}
	if len(byCorr) != 1 {
		t.Fatalf("expected 1 message, got %d", len(byCorr))
	}
	got := byCorr[0]
	if got.Sender != "supervisor" || got.Purpose != string(bus.PurposeTaskAssignment) {
		t.Errorf("unexpected audit entry: %+v", got)
	}
	if len(got.Recipients) != 2 || got.Recipients[1] != "mgr-actions" {
		t.Errorf("recipients not preserved: %v", got.Recipients)
	}

	recent, err := s.RecentMessages(5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("expected 1 recent message, got %d", len(recent))
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	mem, err := NewMemory(s, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}

	small := []byte("a short note")
	if err := mem.Write("transcripts", "note", small); err != nil {
		t.Fatalf("write small: %v", err)
	}
	large := bytes.Repeat([]byte("Alice: status update for the week\n"), 200)
	if err := mem.Write("transcripts", "meeting", large); err != nil {
		t.Fatalf("write large: %v", err)
	}

	if got, ok := mem.Read("transcripts", "note"); !ok || !bytes.Equal(got, small) {
		t.Errorf("small value round-trip failed: ok=%v", ok)
	}
	if got, ok := mem.Read("transcripts", "meeting"); !ok || !bytes.Equal(got, large) {
		t.Errorf("large value round-trip failed: ok=%v", ok)
	}
	if _, ok := mem.Read("transcripts", "missing"); ok {
		t.Error("missing key should read as absent")
	}

	// The large value must actually be stored compressed.
	var stored []byte
	var compressed int
	row := s.db.QueryRow(`SELECT value, compressed FROM memory WHERE namespace='transcripts' AND key='meeting'`)
	if err := row.Scan(&stored, &compressed); err != nil {
		t.Fatalf("inspect row: %v", err)
	}
	if compressed != 1 || len(stored) >= len(large) {
		t.Errorf("expected compressed storage, flag=%d size=%d original=%d", compressed, len(stored), len(large))
	}
}

func TestMemorySealed(t *testing.T) {
	s := newTestStore(t)
	v := vault.New("memory-test")
	mem, err := NewMemory(s, v)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}

	secret := []byte("Bob: the acquisition closes Friday.")
	if err := mem.Write("transcripts", "confidential", secret); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, ok := mem.Read("transcripts", "confidential")
	if !ok || !bytes.Equal(got, secret) {
		t.Fatalf("sealed round-trip failed: ok=%v", ok)
	}

	// On disk the value must differ from the plaintext.
	var stored []byte
	row := s.db.QueryRow(`SELECT value FROM memory WHERE namespace='transcripts' AND key='confidential'`)
	if err := row.Scan(&stored); err != nil {
		t.Fatalf("inspect row: %v", err)
	}
	if bytes.Contains(stored, []byte("acquisition")) {
		t.Error("sealed value stored in plaintext")
	}
}

func TestDueJobs(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	if err := s.SaveJob(&ScheduledJob{ID: "due", Name: "daily standup", Schedule: `{"kind":"interval","every":"1h"}`, TranscriptKey: "transcripts/standup", Status: "active", NextRunAt: &past}); err != nil {
		t.Fatalf("save due: %v", err)
	}
	if err := s.SaveJob(&ScheduledJob{ID: "later", Name: "weekly review", Schedule: `{"kind":"cron","expr":"0 9 * * 1"}`, TranscriptKey: "transcripts/review", Status: "active", NextRunAt: &future}); err != nil {
		t.Fatalf("save later: %v", err)
	}

	due, err := s.GetDueJobs(now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("unexpected due jobs: %+v", due)
	}

	// A one-shot run with no next tick deactivates the job.
	if err := s.RecordJobRun("due", now, nil, "ok", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	due, err = s.GetDueJobs(now.Add(time.Minute))
	if err != nil {
		t.Fatalf("due after record: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("deactivated job still due: %+v", due)
	}

	got, err := s.GetJob("due")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "done" || got.LastStatus != "ok" {
		t.Errorf("bookkeeping not recorded: %+v", got)
	}
}
