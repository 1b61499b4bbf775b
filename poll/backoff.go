package poll

import "time"

// Defaults for the exponential backoff applied between retries of
// failed status fetches.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// BackoffDelay returns the delay to wait before retry number attempt
// (zero-based): base * 2^attempt, capped at max.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffCap
	}

	// Shifting by large attempts overflows; past 30 the cap applies anyway.
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
