package models

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for structured error handling.
const (
	ErrCodeMalformedToken   = "MALFORMED_TOKEN"
	ErrCodeTokenExpired     = "TOKEN_EXPIRED"
	ErrCodeTokenNotYetValid = "TOKEN_NOT_YET_VALID"
	ErrCodeBlocked          = "LOGIN_BLOCKED"
	ErrCodeRetryAfter       = "RETRY_AFTER"
	ErrCodeCredentials      = "INVALID_CREDENTIALS"
	ErrCodeNetwork          = "NETWORK_ERROR"
	ErrCodeMfaDenied        = "MFA_DENIED"
	ErrCodeMfaError         = "MFA_ERROR"
	ErrCodeStorage          = "STORAGE_ERROR"
	ErrCodeConfig           = "CONFIG_ERROR"
)

// Sentinel errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrMalformedToken     = errors.New("malformed token")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenNotYetValid   = errors.New("token not yet valid")
	ErrLoginBlocked       = errors.New("too many failed login attempts")
	ErrRetryLater         = errors.New("login attempted too soon")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNetwork            = errors.New("network error")
	ErrMfaDenied          = errors.New("mfa denied")
	ErrMfaFailed          = errors.New("mfa verification failed")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// APIError represents an error from the API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsClientError reports a 4xx rejection, as opposed to a server or gateway fault.
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// AuthError is the discriminated failure handed back to the UI layer.
type AuthError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *AuthError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("auth [%s]: %s (retry in %ds)", e.Code, e.Message, RetrySeconds(e.RetryAfter))
	}
	return fmt.Sprintf("auth [%s]: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RetrySeconds rounds a wait up to whole seconds for display.
func RetrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
