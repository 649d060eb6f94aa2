package schedule

import (
	"testing"
	"time"
)

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid cron", `{"kind":"cron","expr":"0 9 * * 1"}`, false},
		{"invalid cron", `{"kind":"cron","expr":"not cron"}`, true},
		{"valid interval", `{"kind":"interval","every":"30m"}`, false},
		{"zero interval", `{"kind":"interval","every":"0s"}`, true},
		{"garbage interval", `{"kind":"interval","every":"soon"}`, true},
		{"valid once", `{"kind":"once","at":"2030-01-02T09:00:00Z"}`, false},
		{"bad timestamp", `{"kind":"once","at":"tomorrow"}`, true},
		{"unknown kind", `{"kind":"hourly"}`, true},
		{"not json", `every day`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
			}
		})
	}
}

func TestNextAfterInterval(t *testing.T) {
	s, err := Parse(`{"kind":"interval","every":"1h"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ref := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	next := s.NextAfter(ref)
	if next == nil || !next.Equal(ref.Add(time.Hour)) {
		t.Errorf("got %v, want %v", next, ref.Add(time.Hour))
	}
}

func TestNextAfterCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ref := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	next := s.NextAfter(ref)
	if next == nil {
		t.Fatal("expected a next tick")
	}
	if next.Hour() != 9 || next.Minute() != 0 || !next.After(ref) {
		t.Errorf("unexpected next tick %v", next)
	}
}

func TestNextAfterOnce(t *testing.T) {
	future := `{"kind":"once","at":"2030-01-02T09:00:00Z"}`
	s, err := Parse(future)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ref := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if next := s.NextAfter(ref); next == nil {
		t.Error("future one-shot should have a tick")
	}

	// Exhausted once the timestamp has passed.
	if next := s.NextAfter(time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)); next != nil {
		t.Errorf("past one-shot should be exhausted, got %v", next)
	}
}

func TestNormalizeWrapsBareCron(t *testing.T) {
	got, err := Normalize("*/5 * * * *")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	s, err := Parse(got)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if s.Kind != "cron" || s.Expr != "*/5 * * * *" {
		t.Errorf("unexpected normalized spec: %+v", s)
	}

	if _, err := Normalize("every tuesday"); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe(`{"kind":"interval","every":"30m"}`); got != "every 30m" {
		t.Errorf("describe interval: %q", got)
	}
	if got := Describe("not a spec"); got != "not a spec" {
		t.Errorf("invalid spec should pass through, got %q", got)
	}
}
