package engine

import (
	"errors"
	"fmt"
)

// AdapterError classifies a failure of the analysis engine. Retryable
// failures (rate limits, timeouts) are retried with backoff; non-retryable
// ones (malformed request, permanent rejection) short-circuit to task
// failure.
type AdapterError struct {
	Op          string
	Err         error
	Retryable   bool
	RateLimited bool
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Retryable reports whether an error is a transient adapter failure.
func Retryable(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Retryable
}

// RateLimited reports whether an error was classified as a rate limit.
func RateLimited(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.RateLimited
}
