// Package errors provides the unified error taxonomy for the idempotency engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies one of the six idempotency error subkinds.
type Code string

const (
	// CodeInvalidKey marks an empty, whitespace-only, or non-string key.
	CodeInvalidKey Code = "IDEM_1001"
	// CodeInvalidRetention marks a retention or override below the 24h floor.
	// It is also the code for other invalid configuration or options: an
	// out-of-range lock TTL or handler timeout, a missing audit sink, and an
	// unknown fingerprint algorithm.
	CodeInvalidRetention Code = "IDEM_1002"
	// CodeFingerprintMismatch marks a replayed key with a different payload fingerprint.
	CodeFingerprintMismatch Code = "IDEM_1003"
	// CodeOperationInProgress marks a concurrent holder of the same key.
	CodeOperationInProgress Code = "IDEM_1004"
	// CodeHandlerTimeout marks a handler that did not settle in time.
	CodeHandlerTimeout Code = "IDEM_1005"
	// CodeStoreError marks any failure surfaced from the store primitive.
	CodeStoreError Code = "IDEM_1006"
)

// IdempotencyError is a structured error with a code, message, HTTP status
// and optional details, following the same shape across all six subkinds.
type IdempotencyError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *IdempotencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *IdempotencyError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair and returns the receiver for chaining.
func (e *IdempotencyError) WithDetails(key string, value interface{}) *IdempotencyError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an IdempotencyError with no underlying cause.
func New(code Code, message string, httpStatus int) *IdempotencyError {
	return &IdempotencyError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates an IdempotencyError that wraps an existing error.
func Wrap(code Code, message string, httpStatus int, err error) *IdempotencyError {
	return &IdempotencyError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// InvalidKey reports an empty, whitespace-only, or non-string key.
func InvalidKey(reason string) *IdempotencyError {
	return New(CodeInvalidKey, "invalid idempotency key", http.StatusBadRequest).
		WithDetails("reason", reason)
}

// InvalidRetention reports a retention value below the compliance floor.
func InvalidRetention(fieldName string, valueMs, minMs int64) *IdempotencyError {
	return New(CodeInvalidRetention, "retention below minimum", http.StatusBadRequest).
		WithDetails("field", fieldName).
		WithDetails("value_ms", valueMs).
		WithDetails("min_ms", minMs)
}

// InvalidBound reports a numeric option outside its allowed [min, max] range.
func InvalidBound(fieldName string, valueMs, minMs, maxMs int64) *IdempotencyError {
	return New(CodeInvalidRetention, "value out of allowed range", http.StatusBadRequest).
		WithDetails("field", fieldName).
		WithDetails("value_ms", valueMs).
		WithDetails("min_ms", minMs).
		WithDetails("max_ms", maxMs)
}

// MissingAuditSink reports a missing required audit sink at construction.
func MissingAuditSink() *IdempotencyError {
	return New(CodeInvalidRetention, "audit sink is required", http.StatusBadRequest)
}

// FingerprintMismatch reports a replay with a different payload fingerprint.
func FingerprintMismatch(stored, supplied string) *IdempotencyError {
	return New(CodeFingerprintMismatch, "fingerprint mismatch on existing key", http.StatusUnprocessableEntity).
		WithDetails("storedFingerprint", stored).
		WithDetails("suppliedFingerprint", supplied)
}

// OperationInProgress reports a concurrent holder of the same key.
func OperationInProgress(key string) *IdempotencyError {
	return New(CodeOperationInProgress, "operation already in progress for key", http.StatusConflict).
		WithDetails("key", key)
}

// HandlerTimeout reports a handler that failed to settle within the deadline.
func HandlerTimeout(d time.Duration) *IdempotencyError {
	return New(CodeHandlerTimeout, "handler did not complete before timeout", http.StatusServiceUnavailable).
		WithDetails("timeout_ms", d.Milliseconds())
}

// StoreErr wraps a failure surfaced from the store primitive.
func StoreErr(op string, err error) *IdempotencyError {
	return Wrap(CodeStoreError, "store operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", op)
}

// IsIdempotencyError reports whether err is (or wraps) an IdempotencyError.
func IsIdempotencyError(err error) bool {
	var target *IdempotencyError
	return errors.As(err, &target)
}

// GetIdempotencyError extracts an IdempotencyError from err's chain, if any.
func GetIdempotencyError(err error) *IdempotencyError {
	var target *IdempotencyError
	if errors.As(err, &target) {
		return target
	}
	return nil
}

// GetHTTPStatus returns the suggested HTTP status for err, defaulting to 500.
func GetHTTPStatus(err error) int {
	if target := GetIdempotencyError(err); target != nil {
		return target.HTTPStatus
	}
	return http.StatusInternalServerError
}
