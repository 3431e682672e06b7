// Package retry implements an exponential-backoff executor for wrapping
// calls to the AI execution service, the issue tracker, and the VCS. No
// other package in this module calls Do: the stages, the tracker client and
// the VCS helpers make those calls directly, without going through it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// nonRetryablePatterns are substrings matched case-insensitively against an
// error's message. Any match short-circuits the retry loop.
var nonRetryablePatterns = []string{
	"rate limit",
	"quota exceeded",
	"authentication",
	"not found",
	"permission denied",
}

// NonRetryableError wraps an error that must never be retried regardless of
// its message, set by a caller that already knows attempting again is
// pointless (e.g. a 4xx the tracker client classified itself).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so Do treats it as non-retryable without needing a
// message match.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsRetryable reports whether err should be retried: it is retryable unless
// it is a *NonRetryableError or its message matches a known non-retryable
// pattern.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(msg, pattern) {
			return false
		}
	}
	return true
}

// Thunk is the operation Do retries.
type Thunk func(ctx context.Context) error

// Options configure a Do call. All fields are optional; zero values fall
// back to the spec defaults (§4.3).
type Options struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	OnRetry     func(attempt int, err error, delay time.Duration)
}

const (
	defaultMaxAttempts = 3
	defaultInitial     = time.Second
	defaultMultiplier  = 2.0
)

// Do executes thunk up to MaxAttempts times. The delay before attempt k
// (k >= 2) is initial * multiplier^(k-2). A non-retryable error
// short-circuits immediately. Exhaustion wraps the last error.
func Do(ctx context.Context, opts Options, thunk Thunk) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	initial := opts.Initial
	if initial <= 0 {
		initial = defaultInitial
	}
	multiplier := opts.Multiplier
	if multiplier <= 0 {
		multiplier = defaultMultiplier
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt-2)))
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := thunk(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("retry exhausted after %d attempts: %w", maxAttempts, lastErr)
}
