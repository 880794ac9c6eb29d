package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// PollConfig is a fixed-interval, bounded-attempt polling budget
type PollConfig struct {
	// Interval is the fixed delay between attempts
	Interval time.Duration

	// MaxAttempts is the hard ceiling on attempts (values < 1 mean a single attempt)
	MaxAttempts int
}

// PollWindow builds a PollConfig that keeps checking for the whole window at the given
// interval ("wait 30s, checking every 2s"). The first check is immediate and the last
// one is at or after window, so a condition met just before the window closes is seen.
func PollWindow(window, interval time.Duration) PollConfig {
	attempts := 1
	if interval > 0 && window > 0 {
		steps := window / interval
		if window%interval != 0 {
			steps++
		}
		attempts = int(steps) + 1
	}
	return PollConfig{Interval: interval, MaxAttempts: attempts}
}

// Window returns the time between the first and the last check of the budget
func (p PollConfig) Window() time.Duration {
	return time.Duration(p.attempts()-1) * p.Interval
}

func (p PollConfig) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backoff converts the budget into a constant wait.Backoff (Factor 1, no jitter)
func (p PollConfig) backoff() wait.Backoff {
	return wait.Backoff{
		Steps:    p.attempts(),
		Duration: p.Interval,
		Factor:   1.0,
		Jitter:   0,
	}
}

// Poll calls fn until it returns nil, a non-retryable error, or the budget is exhausted.
//
// Returns:
//   - nil if fn() succeeds
//   - the error itself if retryable(err) is false
//   - an error wrapping both ErrPollTimeout and the last retryable error on exhaustion
//   - context.Canceled or context.DeadlineExceeded if ctx ends first
func Poll(ctx context.Context, cfg PollConfig, retryable func(error) bool, fn func(ctx context.Context) error) error {
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, cfg.backoff(), func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn(ctx)

		if lastErr == nil {
			klog.V(4).Infof("Poll succeeded on attempt %d/%d", attempt, cfg.attempts())
			return true, nil
		}

		if retryable != nil && retryable(lastErr) {
			klog.V(4).Infof("Poll attempt %d/%d not ready: %v", attempt, cfg.attempts(), lastErr)
			return false, nil
		}

		klog.V(3).Infof("Poll attempt %d failed with non-retryable error: %v", attempt, lastErr)
		return false, lastErr
	})

	if err == nil {
		return nil
	}
	if wait.Interrupted(err) && lastErr != nil && ctx.Err() == nil {
		klog.V(2).Infof("All %d poll attempts exhausted, last condition: %v", attempt, lastErr)
		return fmt.Errorf("%w after %d attempts: %w", ErrPollTimeout, attempt, lastErr)
	}
	return err
}

// DefaultBackoffConfig returns the exponential backoff used for single cloud API calls,
// with 10% jitter so concurrent runs on a fleet do not retry in lockstep
func DefaultBackoffConfig() wait.Backoff {
	return wait.Backoff{
		Steps:    4,                      // Maximum 4 attempts
		Duration: 500 * time.Millisecond, // 0.5s, 1s, 2s
		Factor:   2.0,
		Jitter:   0.1,
	}
}

// RetryWithBackoff retries a single call while it fails with a transient error
// (see IsRetryableError). Unlike Poll it is not waiting for a state change, only
// riding out throttling and transport hiccups.
//
// Returns:
//   - nil if fn() succeeds
//   - the last error if all retries are exhausted
//   - the actual error if fn() returns a non-retryable error
//   - context.Canceled or context.DeadlineExceeded if ctx ends first
func RetryWithBackoff(ctx context.Context, backoff wait.Backoff, fn func() error) error {
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn()

		if lastErr == nil {
			klog.V(4).Infof("Operation succeeded on attempt %d", attempt)
			return true, nil
		}

		if IsRetryableError(lastErr) {
			klog.V(3).Infof("Attempt %d failed with retryable error: %v", attempt, SanitizeErrorMessage(lastErr.Error()))
			return false, nil
		}

		return false, lastErr
	})

	if wait.Interrupted(err) && lastErr != nil && ctx.Err() == nil {
		klog.V(2).Infof("All %d retry attempts exhausted, last error: %v", attempt, SanitizeErrorMessage(lastErr.Error()))
		return lastErr
	}
	return err
}

// IsCondition returns a retryable predicate matching any of the given sentinel conditions
func IsCondition(conditions ...error) func(error) bool {
	return func(err error) bool {
		for _, c := range conditions {
			if errors.Is(err, c) {
				return true
			}
		}
		return false
	}
}

// IsRetryableError determines if an error is transient and worth retrying
// Returns true for network-related and throttling errors that may succeed on retry
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"connection timed out",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"temporary failure",
		"try again",
		"eof",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
		"throttl",
		"requestlimitexceeded",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
