package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with a stable kind and HTTP status code
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`

	// Err is the underlying cause. It is never serialized.
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError of the same kind
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error kinds
const (
	ErrCodeValidation    = "validation_error"
	ErrCodeNotFound      = "not_found"
	ErrCodeDecryption    = "decryption_error"
	ErrCodeCombine       = "combine_error"
	ErrCodeSplit         = "split_error"
	ErrCodeStorage       = "storage_error"
	ErrCodeConfiguration = "configuration_error"
	ErrCodeConflict      = "conflict"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeTooLarge      = "payload_too_large"
	ErrCodeInternalError = "internal_error"
)

// DecryptionMessage is the only message ever attached to a decryption failure.
// Wrong password and tampered ciphertext are deliberately indistinguishable.
const DecryptionMessage = "Decryption failed: invalid password or corrupted data"

// Predefined errors, usable as errors.Is targets
var (
	ErrValidation = &AppError{
		Code:       ErrCodeValidation,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Share record not found",
		StatusCode: http.StatusNotFound,
	}

	ErrDecryption = &AppError{
		Code:       ErrCodeDecryption,
		Message:    DecryptionMessage,
		StatusCode: http.StatusUnauthorized,
	}

	ErrCombine = &AppError{
		Code:       ErrCodeCombine,
		Message:    "Shares could not be combined",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrSplit = &AppError{
		Code:       ErrCodeSplit,
		Message:    "Secret could not be split",
		StatusCode: http.StatusInternalServerError,
	}

	ErrStorage = &AppError{
		Code:       ErrCodeStorage,
		Message:    "Share storage operation failed",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrConfiguration = &AppError{
		Code:       ErrCodeConfiguration,
		Message:    "Share store is misconfigured",
		StatusCode: http.StatusInternalServerError,
	}

	ErrConflict = &AppError{
		Code:       ErrCodeConflict,
		Message:    "Request conflict",
		StatusCode: http.StatusConflict,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

func derive(base *AppError, detail string, cause error) *AppError {
	return &AppError{
		Code:       base.Code,
		Message:    base.Message,
		Detail:     detail,
		StatusCode: base.StatusCode,
		Err:        cause,
	}
}

// Validation creates a validation error for malformed or missing input
func Validation(detail string) *AppError {
	return derive(ErrValidation, detail, nil)
}

// NotFound creates a not found error for a missing share record
func NotFound(detail string, cause error) *AppError {
	return derive(ErrNotFound, detail, cause)
}

// Decryption creates a decryption error. No detail is attached on purpose.
func Decryption(cause error) *AppError {
	return derive(ErrDecryption, "", cause)
}

// Combine creates a combine error for inconsistent or insufficient shares
func Combine(detail string, cause error) *AppError {
	return derive(ErrCombine, detail, cause)
}

// Split creates a split error
func Split(detail string, cause error) *AppError {
	return derive(ErrSplit, detail, cause)
}

// Storage creates a storage error
func Storage(detail string, cause error) *AppError {
	return derive(ErrStorage, detail, cause)
}

// Configuration creates a configuration error
func Configuration(detail string, cause error) *AppError {
	return derive(ErrConfiguration, detail, cause)
}

// Conflict creates a conflict error
func Conflict(detail string, cause error) *AppError {
	return derive(ErrConflict, detail, cause)
}

// Internal wraps an unexpected failure
func Internal(detail string, cause error) *AppError {
	return derive(ErrInternalError, detail, cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the stable kind of err, or ErrCodeInternalError for foreign errors
func KindOf(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternalError
}
