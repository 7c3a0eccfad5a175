package crawler

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 250 * time.Millisecond
	defaultRetryCeiling  = 5 * time.Second
)

// JitteredBackoff retries transient fetch failures. The wait before retry n
// doubles from base up to ceiling and is drawn from the upper half of that window.
type JitteredBackoff struct {
	attempts int
	base     time.Duration
	ceiling  time.Duration
}

// DefaultRetryPolicy allows three fetches per URL, waiting 250ms to 5s between them.
func DefaultRetryPolicy() *JitteredBackoff {
	return NewRetryPolicy(defaultRetryAttempts, defaultRetryBase, defaultRetryCeiling)
}

// NewRetryPolicy caps a URL at attempts fetches. Non-positive values take the defaults
// and a ceiling below base is raised to base.
func NewRetryPolicy(attempts int, base, ceiling time.Duration) *JitteredBackoff {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if base <= 0 {
		base = defaultRetryBase
	}
	return &JitteredBackoff{
		attempts: attempts,
		base:     base,
		ceiling:  max(ceiling, base),
	}
}

// ShouldRetry reports whether another fetch is worthwhile after attempt fetches failed with err.
// Cancellation, robots.txt and host policy refusals, and non-timeout network errors are final.
func (b *JitteredBackoff) ShouldRetry(err error, attempt int) bool {
	switch {
	case err == nil, attempt >= b.attempts:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrRobotsBlocked), errors.Is(err, ErrHostBlocked):
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns how long to wait before the next fetch.
func (b *JitteredBackoff) Backoff(attempt int) time.Duration {
	window := b.base
	for i := 0; i < attempt && window < b.ceiling; i++ {
		window *= 2
	}
	window = min(window, b.ceiling)
	half := window / 2
	if half <= 0 {
		return window
	}
	return half + rand.N(window-half)
}
