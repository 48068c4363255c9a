// Package retry drives operations under a bounded exponential-backoff
// policy. Failures are classified through errclass; only retryable kinds
// are attempted again, and every failed attempt is recorded on the
// returned error for later inspection.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/coderelay/coderelay/internal/errclass"
)

// Config parameterizes a retry loop.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	TotalTimeout   time.Duration
	RetryableKinds map[errclass.Kind]bool
}

// DefaultConfig returns the standard policy: three attempts, 1s base delay
// doubling up to 15s, 15s overall budget, retrying only transient kinds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       15 * time.Second,
		TotalTimeout:   15 * time.Second,
		RetryableKinds: errclass.RetryableKinds(),
	}
}

// Attempt records one failed attempt.
type Attempt struct {
	Index     int       `json:"index"`
	Error     string    `json:"error"`
	ElapsedMs int64     `json:"elapsed_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Error is returned when the operation did not succeed within the policy.
// It carries the classification of the last failure and the full list of
// failed attempts.
type Error struct {
	Kind     errclass.Kind
	Attempts []Attempt
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation failed after %d attempt(s): %v", len(e.Attempts), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryCount returns the number of retries performed. The initial attempt
// is not a retry, so a single immediate failure counts as zero.
func (e *Error) RetryCount() int {
	if len(e.Attempts) == 0 {
		return 0
	}
	return len(e.Attempts) - 1
}

// Do runs op under cfg. Attempt 0 runs immediately; each subsequent attempt
// waits min(BaseDelay*2^attempt, MaxDelay). The loop stops early when the
// failure kind is not retryable, when the next wait would exceed
// TotalTimeout, or when ctx is cancelled. On success Do returns nil; on
// failure it returns a *Error wrapping the last cause.
func Do(ctx context.Context, cfg Config, op func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var attempts []Attempt
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		elapsed := time.Since(start)
		attempts = append(attempts, Attempt{
			Index:     attempt,
			Error:     lastErr.Error(),
			ElapsedMs: elapsed.Milliseconds(),
			Timestamp: time.Now().UTC(),
		})

		kind := errclass.ClassifyErr(lastErr)
		if !cfg.RetryableKinds[kind] {
			break
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if cfg.TotalTimeout > 0 && elapsed+delay > cfg.TotalTimeout {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Error{
				Kind:     errclass.ClassifyErr(ctx.Err()),
				Attempts: attempts,
				Err:      ctx.Err(),
			}
		case <-timer.C:
		}
	}

	return &Error{
		Kind:     errclass.ClassifyErr(lastErr),
		Attempts: attempts,
		Err:      lastErr,
	}
}

// backoffDelay computes the wait before the attempt following `attempt`.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}
