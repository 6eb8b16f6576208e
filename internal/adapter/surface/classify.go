// Package surface provides the adapter runtime shared by every surface leaf:
// error classification, rate-limit accounting, circuit breaking, and the
// retry wrapper. Leaves implement domain.SurfaceCapability; the runtime turns
// one into a domain.SurfaceAdapter.
package surface

import (
	"strings"
	"time"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// classificationRule maps error-message substrings to a failure policy.
// delayFactor scales the configured base retry delay; fixedDelay wins when
// set.
type classificationRule struct {
	patterns    []string
	code        domain.ErrorCode
	retryable   bool
	delayFactor int
	fixedDelay  time.Duration
	surfaceWide bool
	action      domain.SuggestedAction
}

// classificationRules is scanned top to bottom; the first matching rule wins.
// Keep the order: overlapping substrings ("rate limit" vs "limit exceeded")
// rely on it.
var classificationRules = []classificationRule{
	{
		patterns:    []string{"rate limit", "429", "too many requests"},
		code:        domain.ErrorRateLimited,
		retryable:   true,
		fixedDelay:  time.Minute,
		surfaceWide: true,
		action:      domain.ActionRetry,
	},
	{
		patterns:    []string{"401", "403", "unauthorized", "forbidden"},
		code:        domain.ErrorAuthFailed,
		surfaceWide: true,
		action:      domain.ActionRefreshSession,
	},
	{
		patterns:    []string{"timeout", "etimedout"},
		code:        domain.ErrorTimeout,
		retryable:   true,
		delayFactor: 1,
		action:      domain.ActionRetry,
	},
	{
		patterns:    []string{"econnrefused", "econnreset", "enotfound", "network"},
		code:        domain.ErrorNetwork,
		retryable:   true,
		delayFactor: 2,
		action:      domain.ActionRotateProxy,
	},
	{
		patterns:    []string{"502", "503", "bad gateway", "service unavailable"},
		code:        domain.ErrorServiceUnavailable,
		retryable:   true,
		delayFactor: 3,
		surfaceWide: true,
		action:      domain.ActionRetry,
	},
	{
		patterns: []string{"blocked", "content policy", "violation"},
		code:     domain.ErrorContentBlocked,
		action:   domain.ActionAlertHuman,
	},
	{
		patterns:    []string{"quota", "billing", "limit exceeded"},
		code:        domain.ErrorQuotaExceeded,
		surfaceWide: true,
		action:      domain.ActionAlertHuman,
	},
	{
		patterns:    []string{"session", "expired", "login required"},
		code:        domain.ErrorSessionExpired,
		surfaceWide: true,
		action:      domain.ActionRefreshSession,
	},
	{
		patterns:    []string{"captcha", "verification", "robot"},
		code:        domain.ErrorCaptchaRequired,
		surfaceWide: true,
		action:      domain.ActionAlertHuman,
	},
	{
		patterns:    []string{"invalid", "parse", "json"},
		code:        domain.ErrorInvalidResponse,
		retryable:   true,
		delayFactor: 1,
		action:      domain.ActionRetry,
	},
}

// Classify maps an error message to its SurfaceError. baseDelay is the
// configured retry base used by the scaled rows; unmatched messages fall
// through to UNKNOWN_ERROR, retryable at base delay.
func Classify(msg string, baseDelay time.Duration) *domain.SurfaceError {
	s := strings.ToLower(strings.TrimSpace(msg))
	for _, rule := range classificationRules {
		for _, pattern := range rule.patterns {
			if !strings.Contains(s, pattern) {
				continue
			}
			delay := rule.fixedDelay
			if delay == 0 && rule.retryable {
				delay = time.Duration(rule.delayFactor) * baseDelay
			}
			return &domain.SurfaceError{
				Code:            rule.code,
				Message:         msg,
				Retryable:       rule.retryable,
				RetryDelay:      delay,
				SurfaceWide:     rule.surfaceWide,
				SuggestedAction: rule.action,
			}
		}
	}
	return &domain.SurfaceError{
		Code:            domain.ErrorUnknown,
		Message:         msg,
		Retryable:       true,
		RetryDelay:      baseDelay,
		SuggestedAction: domain.ActionRetry,
	}
}
