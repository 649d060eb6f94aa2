package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := &Config{
		Teams: []TeamConfig{
			{Name: "topics", Expertise: []string{"topics"}, Workers: 2, Capacity: 2},
		},
		Engine: EngineConfig{Timeout: time.Minute, MaxAttempts: 3},
	}
	d := Diff(cfg, cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
}

func TestDiff_TeamAdded(t *testing.T) {
	old := &Config{
		Teams: []TeamConfig{
			{Name: "topics", Expertise: []string{"topics"}},
		},
	}
	new := &Config{
		Teams: []TeamConfig{
			{Name: "topics", Expertise: []string{"topics"}},
			{Name: "sentiment", Expertise: []string{"sentiment"}},
		},
	}
	d := Diff(old, new)
	if len(d.TeamsAdded) != 1 || d.TeamsAdded[0] != "sentiment" {
		t.Errorf("expected sentiment added, got %v", d.TeamsAdded)
	}
	if len(d.TeamsRemoved) != 0 {
		t.Errorf("expected no removals, got %v", d.TeamsRemoved)
	}
	if len(d.TeamsChanged) != 0 {
		t.Errorf("expected no changes, got %v", d.TeamsChanged)
	}
}

func TestDiff_TeamRemoved(t *testing.T) {
	old := &Config{
		Teams: []TeamConfig{
			{Name: "topics"},
			{Name: "sentiment"},
		},
	}
	new := &Config{
		Teams: []TeamConfig{
			{Name: "topics"},
		},
	}
	d := Diff(old, new)
	if len(d.TeamsRemoved) != 1 || d.TeamsRemoved[0] != "sentiment" {
		t.Errorf("expected sentiment removed, got %v", d.TeamsRemoved)
	}
}

func TestDiff_TeamChanged(t *testing.T) {
	old := &Config{
		Teams: []TeamConfig{
			{Name: "topics", Workers: 2, Capacity: 2},
		},
	}
	new := &Config{
		Teams: []TeamConfig{
			{Name: "topics", Workers: 4, Capacity: 2},
		},
	}
	d := Diff(old, new)
	if len(d.TeamsChanged) != 1 || d.TeamsChanged[0] != "topics" {
		t.Errorf("expected topics changed, got %v", d.TeamsChanged)
	}
}

func TestDiff_TeamExpertiseChanged(t *testing.T) {
	old := &Config{
		Teams: []TeamConfig{
			{Name: "analysis", Expertise: []string{"topics"}},
		},
	}
	new := &Config{
		Teams: []TeamConfig{
			{Name: "analysis", Expertise: []string{"topics", "decisions"}},
		},
	}
	d := Diff(old, new)
	if len(d.TeamsChanged) != 1 {
		t.Errorf("expected analysis changed, got %v", d.TeamsChanged)
	}
}

func TestDiff_EngineChanged(t *testing.T) {
	old := &Config{Engine: EngineConfig{Timeout: time.Minute, MaxAttempts: 3}}
	new := &Config{Engine: EngineConfig{Timeout: 2 * time.Minute, MaxAttempts: 3}}
	d := Diff(old, new)
	if !d.EngineChanged {
		t.Error("expected engine changed")
	}
	if d.NewEngine.Timeout != 2*time.Minute {
		t.Errorf("expected new timeout, got %v", d.NewEngine.Timeout)
	}
}

func TestDiff_SchedulerChanged(t *testing.T) {
	old := &Config{Scheduler: SchedulerConfig{PollInterval: 30 * time.Second}}
	new := &Config{Scheduler: SchedulerConfig{PollInterval: 60 * time.Second}}
	d := Diff(old, new)
	if !d.SchedulerChanged {
		t.Error("expected scheduler changed")
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := &Config{
		Web:   WebConfig{Port: 8080},
		Vault: VaultConfig{Passphrase: "old"},
	}
	new := &Config{
		Web:   WebConfig{Port: 9090},
		Vault: VaultConfig{Passphrase: "new"},
	}
	d := Diff(old, new)
	if len(d.NonReloadable) != 2 {
		t.Errorf("expected 2 non-reloadable warnings, got %v", d.NonReloadable)
	}
}
