package policy

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitError reports a rejected request and when to retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// RateLimiter is a sliding-window limiter keyed by session or run id.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	events  map[string][]time.Time
	nowFunc func() time.Time
}

// NewRateLimiter allows limit events per window per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		window:  window,
		limit:   limit,
		events:  make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// Check records one event for the key and reports whether it exceeded the
// limit. When limited, retryAfter is the wait until the oldest in-window
// event expires.
func (r *RateLimiter) Check(key string) (retryAfter time.Duration, limited bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	cutoff := now.Add(-r.window)

	kept := r.events[key][:0]
	for _, t := range r.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.events[key] = kept
		return kept[0].Sub(cutoff), true
	}

	r.events[key] = append(kept, now)
	return 0, false
}

// Reset clears the window for a key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, key)
}
