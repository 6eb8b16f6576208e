package domain

import (
	"testing"
	"time"
)

func TestExponentialRetryStrategyDelayBounds(t *testing.T) {
	s := NewExponentialRetryStrategy(time.Second, time.Minute)

	for attempt := 1; attempt <= 5; attempt++ {
		base := time.Duration(float64(time.Second) * float64(int(1)<<(attempt-1)))
		if base > time.Minute {
			base = time.Minute
		}
		for i := 0; i < 50; i++ {
			d := s.GetDelay(attempt)
			low := time.Duration(float64(base) * 0.8)
			high := time.Duration(float64(base) * 1.2)
			if high > time.Minute {
				high = time.Minute
			}
			if d < low || d > high {
				t.Fatalf("GetDelay(%d) = %v, want within [%v, %v]", attempt, d, low, high)
			}
		}
	}
}

func TestExponentialRetryStrategyCap(t *testing.T) {
	s := NewExponentialRetryStrategy(time.Second, 5*time.Second)
	for i := 0; i < 50; i++ {
		if d := s.GetDelay(10); d > 5*time.Second {
			t.Fatalf("GetDelay(10) = %v, exceeds cap 5s", d)
		}
	}
}

func TestExponentialRetryStrategyAttemptFloor(t *testing.T) {
	s := NewExponentialRetryStrategy(time.Second, time.Minute)
	if d := s.GetDelay(0); d <= 0 {
		t.Fatalf("GetDelay(0) = %v, want positive", d)
	}
}

func TestShouldRetryDecisions(t *testing.T) {
	s := NewExponentialRetryStrategy(time.Second, time.Minute)

	tests := []struct {
		name     string
		attempt  int
		max      int
		serr     *SurfaceError
		expected bool
	}{
		{"attempts remain, no error", 1, 3, nil, true},
		{"attempts exhausted", 3, 3, nil, false},
		{"retryable error", 1, 3, &SurfaceError{Code: ErrorTimeout, Retryable: true}, true},
		{"non-retryable error", 1, 3, &SurfaceError{Code: ErrorAuthFailed, Retryable: false}, false},
		{"terminal quota even if marked retryable", 1, 3, &SurfaceError{Code: ErrorQuotaExceeded, Retryable: true}, false},
		{"terminal content block", 1, 3, &SurfaceError{Code: ErrorContentBlocked, Retryable: false}, false},
		{"terminal captcha", 1, 3, &SurfaceError{Code: ErrorCaptchaRequired, Retryable: false}, false},
		{"terminal adapter missing", 1, 3, &SurfaceError{Code: ErrorAdapterMissing, Retryable: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ShouldRetry(tt.attempt, tt.max, tt.serr); got != tt.expected {
				t.Fatalf("ShouldRetry(%d, %d, %v) = %v, want %v", tt.attempt, tt.max, tt.serr, got, tt.expected)
			}
		})
	}
}

func TestNewExponentialRetryStrategyDefaults(t *testing.T) {
	s := NewExponentialRetryStrategy(0, 0)
	if s.BaseDelay != time.Second {
		t.Fatalf("BaseDelay = %v, want 1s fallback", s.BaseDelay)
	}
	if s.MaxDelay < s.BaseDelay {
		t.Fatalf("MaxDelay %v below BaseDelay %v", s.MaxDelay, s.BaseDelay)
	}
}
