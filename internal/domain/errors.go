package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrStudyNotFound     = errors.New("study not found")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrSessionMissing    = errors.New("captured session missing")
	ErrInternal          = errors.New("internal error")
)

// ErrorCode is the stable classification of a surface failure.
type ErrorCode string

const (
	ErrorRateLimited        ErrorCode = "RATE_LIMITED"
	ErrorAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrorTimeout            ErrorCode = "TIMEOUT"
	ErrorNetwork            ErrorCode = "NETWORK_ERROR"
	ErrorServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorContentBlocked     ErrorCode = "CONTENT_BLOCKED"
	ErrorQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrorSessionExpired     ErrorCode = "SESSION_EXPIRED"
	ErrorCaptchaRequired    ErrorCode = "CAPTCHA_REQUIRED"
	ErrorInvalidResponse    ErrorCode = "INVALID_RESPONSE"
	ErrorUnknown            ErrorCode = "UNKNOWN_ERROR"
	ErrorAdapterMissing     ErrorCode = "ADAPTER_MISSING"
)

// SuggestedAction hints at the operational response to a failure class.
type SuggestedAction string

const (
	ActionRetry          SuggestedAction = "retry"
	ActionRefreshSession SuggestedAction = "refresh_session"
	ActionRotateProxy    SuggestedAction = "rotate_proxy"
	ActionAlertHuman     SuggestedAction = "alert_human"
)

// SurfaceError is the typed failure value carried inside a QueryResponse.
// Adapters never panic or return bare errors to the executor; every failure
// is classified into one of these.
type SurfaceError struct {
	Code            ErrorCode
	Message         string
	Retryable       bool
	RetryDelay      time.Duration
	SurfaceWide     bool
	SuggestedAction SuggestedAction
}

func (e *SurfaceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Terminal reports whether this failure ends a cell immediately,
// regardless of remaining attempts.
func (e *SurfaceError) Terminal() bool {
	switch e.Code {
	case ErrorAdapterMissing, ErrorQuotaExceeded, ErrorContentBlocked, ErrorCaptchaRequired:
		return true
	}
	return false
}
