// Package schedule parses the JSON schedule specs attached to recurring
// analysis jobs and computes their next ticks.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind  string `json:"kind"`            // "cron", "interval", "once"
	Expr  string `json:"expr,omitempty"`  // cron expression (kind=cron)
	Every string `json:"every,omitempty"` // Go duration string (kind=interval)
	At    string `json:"at,omitempty"`    // RFC3339 timestamp (kind=once)
}

// Parse decodes and validates a schedule spec.
func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}

	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.Expr) {
			return nil, fmt.Errorf("invalid cron expression: %s", s.Expr)
		}
	case "interval":
		d, err := time.ParseDuration(s.Every)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid interval %q", s.Every)
		}
	case "once":
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", s.At, err)
		}
	default:
		return nil, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return &s, nil
}

// NextAfter returns the first tick strictly after the reference time, nil
// when the schedule has no future tick.
func (s *Schedule) NextAfter(ref time.Time) *time.Time {
	switch s.Kind {
	case "cron":
		next, err := gronx.NextTickAfter(s.Expr, ref, false)
		if err != nil {
			return nil
		}
		return &next
	case "interval":
		d, err := time.ParseDuration(s.Every)
		if err != nil || d <= 0 {
			return nil
		}
		next := ref.Add(d)
		return &next
	case "once":
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil || !t.After(ref) {
			return nil
		}
		return &t
	default:
		return nil
	}
}

// NextRun computes the next tick of a raw spec from now, nil for invalid
// or exhausted schedules.
func NextRun(raw string) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	return s.NextAfter(time.Now())
}

// Normalize accepts either a JSON spec or a bare cron expression and
// returns a validated JSON spec.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		if _, err := Parse(raw); err != nil {
			return "", err
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not a JSON spec or cron expression: %s", raw)
	}
	data, err := json.Marshal(Schedule{Kind: "cron", Expr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Describe returns a human-readable rendering of a raw spec for listings.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch s.Kind {
	case "cron":
		return "cron " + s.Expr
	case "interval":
		return "every " + s.Every
	case "once":
		return "once at " + s.At
	default:
		return raw
	}
}
