package domain

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryStrategy decides whether and when a failed cell execution is redrawn.
// The executor consults it; the orchestrator stores the resulting backoff
// gate on the cell.
type RetryStrategy interface {
	// GetDelay returns the wait before re-running the given attempt number
	// (1-based: the delay after the first attempt is GetDelay(1)).
	GetDelay(attempt int) time.Duration
	// ShouldRetry reports whether another attempt is worthwhile.
	ShouldRetry(attempt, maxAttempts int, serr *SurfaceError) bool
}

// ExponentialRetryStrategy is the default: base × 2^(attempt−1) with ±20%
// jitter, capped at MaxDelay.
type ExponentialRetryStrategy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewExponentialRetryStrategy builds the default strategy from the configured
// backoff bounds.
func NewExponentialRetryStrategy(base, maxDelay time.Duration) *ExponentialRetryStrategy {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ExponentialRetryStrategy{BaseDelay: base, MaxDelay: maxDelay}
}

// GetDelay implements RetryStrategy.
func (s *ExponentialRetryStrategy) GetDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(s.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > s.MaxDelay || delay <= 0 {
		delay = s.MaxDelay
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	delay = time.Duration(float64(delay) * jitter)
	if delay > s.MaxDelay {
		delay = s.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ShouldRetry implements RetryStrategy: retry iff attempts remain and the
// error (when present) is retryable and not terminal for the cell.
func (s *ExponentialRetryStrategy) ShouldRetry(attempt, maxAttempts int, serr *SurfaceError) bool {
	if attempt >= maxAttempts {
		return false
	}
	if serr == nil {
		return true
	}
	return serr.Retryable && !serr.Terminal()
}
