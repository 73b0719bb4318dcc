package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Integrator/configuration errors: fatal to the call, never swallowed
	ErrorTypeConfiguration ErrorType = "CONFIGURATION"
	ErrorTypeNotFound      ErrorType = "NOT_FOUND"
	ErrorTypeInvalidInput  ErrorType = "INVALID_INPUT"

	// Expected user-path errors
	ErrorTypeRejected ErrorType = "REJECTED"
	ErrorTypeExpired  ErrorType = "EXPIRED"

	// Infrastructure errors
	ErrorTypeTransport   ErrorType = "TRANSPORT"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"
	ErrorTypeStorage     ErrorType = "STORAGE"
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
	ErrorTypeInternal    ErrorType = "INTERNAL"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// Common error constructors

func Configuration(message string) *Error {
	return New(ErrorTypeConfiguration, "CONFIGURATION_ERROR", message)
}

func NotFound(resource string, id interface{}) *Error {
	return New(ErrorTypeNotFound, "RESOURCE_NOT_FOUND",
		fmt.Sprintf("%s not found", resource)).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func InvalidInput(field string, reason string) *Error {
	return New(ErrorTypeInvalidInput, "INVALID_INPUT",
		fmt.Sprintf("invalid input for field '%s': %s", field, reason)).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func Rejected(message string) *Error {
	return New(ErrorTypeRejected, "USER_REJECTED", message)
}

func Expired(operation string) *Error {
	return New(ErrorTypeExpired, "EXPIRED",
		fmt.Sprintf("operation '%s' expired", operation)).
		WithDetails("operation", operation)
}

func Transport(message string) *Error {
	return New(ErrorTypeTransport, "TRANSPORT_ERROR", message)
}

func Timeout(operation string) *Error {
	return New(ErrorTypeTimeout, "TIMEOUT",
		fmt.Sprintf("operation '%s' timed out", operation)).
		WithDetails("operation", operation)
}

func Storage(message string) *Error {
	return New(ErrorTypeStorage, "STORAGE_ERROR", message)
}

func Internal(message string) *Error {
	return New(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's our error type
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "UNKNOWN"
}
