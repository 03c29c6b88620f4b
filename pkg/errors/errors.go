// Package errors provides a structured error system for deskfs with error codes, categories, and context.
package errors

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for filesystem operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Connection errors
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage backend errors
	ErrCodeStorageIO ErrorCode = "STORAGE_IO"

	// Namespace errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"
	ErrCodePathInvalid  ErrorCode = "PATH_INVALID"
	ErrCodeNotEmpty     ErrorCode = "NOT_EMPTY"

	// Resource errors
	ErrCodeLimitExceeded ErrorCode = "LIMIT_EXCEEDED"

	// State errors
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryNamespace     ErrorCategory = "namespace"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// FSError represents a structured error with context and metadata.
type FSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *FSError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *FSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *FSError carrying the same code.
func (e *FSError) Is(target error) bool {
	if fsErr, ok := target.(*FSError); ok {
		return e.Code == fsErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *FSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("FSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with default values.
func NewError(code ErrorCode, message string) *FSError {
	return &FSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	case ErrCodeConnectionTimeout, ErrCodeNetworkError:
		return CategoryConnection
	case ErrCodeStorageIO:
		return CategoryStorage
	case ErrCodeNotFound, ErrCodeTypeMismatch, ErrCodePathInvalid, ErrCodeNotEmpty:
		return CategoryNamespace
	case ErrCodeLimitExceeded:
		return CategoryResource
	case ErrCodeNotInitialized:
		return CategoryState
	case ErrCodeOperationCanceled:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeInternalError:
		return true
	}
	return false
}

// WithContext adds contextual information to an error
func (e *FSError) WithContext(key, value string) *FSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *FSError) WithDetail(key string, value interface{}) *FSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *FSError) WithComponent(component string) *FSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *FSError) WithOperation(operation string) *FSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *FSError) WithCause(cause error) *FSError {
	e.Cause = cause
	return e
}

// NotFound builds a NOT_FOUND error for path.
func NotFound(path string) *FSError {
	return NewError(ErrCodeNotFound, "no such entry").WithContext("path", path)
}

// TypeMismatch builds a TYPE_MISMATCH error for path.
func TypeMismatch(path, want string) *FSError {
	return NewError(ErrCodeTypeMismatch, "entry is not a "+want).WithContext("path", path)
}

// InvalidPath builds a PATH_INVALID error.
func InvalidPath(path, reason string) *FSError {
	return NewError(ErrCodePathInvalid, reason).WithContext("path", path)
}

// NotEmpty builds a NOT_EMPTY error for a directory path.
func NotEmpty(path string) *FSError {
	return NewError(ErrCodeNotEmpty, "directory not empty").WithContext("path", path)
}

// BackendIO wraps a backend failure as STORAGE_IO. Context cancellation is kept
// distinguishable as OPERATION_CANCELED.
func BackendIO(operation, path string, cause error) *FSError {
	code := ErrCodeStorageIO
	if stderr.Is(cause, context.Canceled) || stderr.Is(cause, context.DeadlineExceeded) {
		code = ErrCodeOperationCanceled
	}
	return NewError(code, "backend "+operation+" failed").
		WithOperation(operation).
		WithContext("path", path).
		WithCause(cause)
}

// CodeOf returns the code of the first *FSError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var fsErr *FSError
	if stderr.As(err, &fsErr) {
		return fsErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var fsErr *FSError
	if stderr.As(err, &fsErr) {
		return fsErr.Retryable
	}
	return false
}
