// Package policy holds the pure retry-interval math. No I/O, no clocks:
// given the same inputs it always returns the same result, which is what
// makes the rest of the engine testable without waiting out real days.
package policy

import (
	"time"

	"github.com/railzwaylabs/dunning/internal/config"
)

// NextRetryAt maps the attempt just recorded to the next retry time.
//
// Attempts 1..MaxRetries each schedule a retry at failedAt plus the
// configured day offset for that attempt; the failure after the final retry
// exhausts the schedule and the second return value is false, meaning the
// caller must cancel. When fewer intervals than MaxRetries are configured
// the last interval repeats.
func NextRetryAt(attemptNumber int, failedAt time.Time, cfg config.DunningConfig) (time.Time, bool) {
	if attemptNumber < 1 || attemptNumber > cfg.MaxRetries {
		return time.Time{}, false
	}
	intervals := cfg.RetryIntervalDays
	if len(intervals) == 0 {
		return time.Time{}, false
	}

	idx := attemptNumber - 1
	if idx >= len(intervals) {
		idx = len(intervals) - 1
	}
	return failedAt.AddDate(0, 0, intervals[idx]), true
}
