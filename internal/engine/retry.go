package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig bounds the backoff loop around engine calls.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration // minimum delay after a rate-limit error
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		RateLimitDelay: 5 * time.Second,
	}
}

// Retrier wraps an Engine with exponential backoff and jitter. The base
// delay doubles per attempt; rate-limited errors wait at least
// RateLimitDelay. Non-retryable errors surface immediately. Exhausting
// attempts surfaces the last error to the caller.
type Retrier struct {
	next Engine
	cfg  RetryConfig
}

func NewRetrier(next Engine, cfg RetryConfig) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Retrier{next: next, cfg: cfg}
}

func (r *Retrier) Analyze(ctx context.Context, instructions, content string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.delayFor(attempt, lastErr)
			slog.Debug("engine retry", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", &AdapterError{Op: "analyze", Err: ctx.Err(), Retryable: true}
			}
		}

		raw, err := r.next.Analyze(ctx, instructions, content)
		if err == nil {
			return raw, nil
		}
		if !Retryable(err) {
			return "", err
		}
		lastErr = err
	}

	return "", fmt.Errorf("engine retries exhausted after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func (r *Retrier) delayFor(attempt int, err error) time.Duration {
	delay := r.cfg.BaseDelay << (attempt - 1)
	if delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	if RateLimited(err) && delay < r.cfg.RateLimitDelay {
		delay = r.cfg.RateLimitDelay
	}
	// Add up to 25% jitter so concurrent workers do not retry in lockstep.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
