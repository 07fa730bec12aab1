package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All packages use these constants instead of
// hardcoded strings so that callers can branch on error class.
const (
	// DuplicateJob signals the per-period delivery dedup invariant blocked an
	// enqueue. It is a no-op signal to the scheduler, not a failure.
	ErrCodeDuplicateJob ErrorCode = "duplicate_job"

	// UnknownToken signals a tracking resolution miss. The HTTP surface
	// always degrades gracefully and never exposes this to the recipient.
	ErrCodeUnknownToken ErrorCode = "unknown_token"

	// Delivery classification. Transient failures are retried with backoff
	// up to the configured attempt limit; permanent failures terminate the
	// job immediately.
	ErrCodeDeliveryTransient ErrorCode = "delivery_transient"
	ErrCodeDeliveryPermanent ErrorCode = "delivery_permanent"

	// ConfigMissing means a required configuration value (provider
	// credentials, a cadence's send time) is absent. Cycles skip and warn,
	// never crash the periodic trigger.
	ErrCodeConfigMissing ErrorCode = "config_missing"

	// Not found (lookup misses that are real errors, unlike UnknownToken).
	ErrCodeNotFoundSubscriber ErrorCode = "not_found_subscriber"
	ErrCodeNotFoundJob        ErrorCode = "not_found_job"
	ErrCodeNotFoundSetting    ErrorCode = "not_found_setting"

	// Upstream failures from the external content catalog.
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// AppError is the standard application error type. All domain errors are
// expressed as AppError to enable consistent classification and error chain
// support via errors.Is/errors.As.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalUnexpected if the chain contains no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsCode reports whether the error chain contains an AppError with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
