package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTimeout           = errors.New("timeout")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMalformedResponse = errors.New("malformed response")
	ErrPersistence       = errors.New("persistence failure")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection  ErrorType = "connection"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeAPI         ErrorType = "api"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeDecode      ErrorType = "decode"
	ErrorTypePersistence ErrorType = "persistence"
	ErrorTypeEmit        ErrorType = "emit"
	ErrorTypeInternal    ErrorType = "internal"
)

// PollError is a structured error for polling, persistence and emission.
type PollError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "list_events", "save_checkpoint")
	Namespace  string // State namespace / configured tag
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *PollError) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PollError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrInvalidConfig:
		return e.Type == ErrorTypeValidation
	case ErrMalformedResponse:
		return e.Type == ErrorTypeDecode
	case ErrPersistence:
		return e.Type == ErrorTypePersistence
	}

	return errors.Is(e.Err, target)
}

// NewPollError creates a new PollError
func NewPollError(errorType ErrorType, op, namespace string, err error) *PollError {
	return &PollError{
		Type:      errorType,
		Op:        op,
		Namespace: namespace,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *PollError) WithStatusCode(code int) *PollError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// WrapConnectionError wraps a connection error with context
func WrapConnectionError(op, namespace string, err error) error {
	return NewPollError(ErrorTypeConnection, op, namespace, err)
}

// WrapTimeoutError wraps a request timeout with context
func WrapTimeoutError(op, namespace string, err error) error {
	return NewPollError(ErrorTypeTimeout, op, namespace, err)
}

// WrapAuthError wraps an authentication error with context
func WrapAuthError(op, namespace string, err error, statusCode int) error {
	e := NewPollError(ErrorTypeAuth, op, namespace, err)
	e.StatusCode = statusCode
	return e
}

// WrapAPIError wraps an API error with context
func WrapAPIError(op, namespace string, err error, statusCode int) error {
	return NewPollError(ErrorTypeAPI, op, namespace, err).WithStatusCode(statusCode)
}

// WrapDecodeError wraps a response that could not be interpreted.
func WrapDecodeError(op, namespace string, err error) error {
	return NewPollError(ErrorTypeDecode, op, namespace, err)
}

// WrapPersistenceError wraps a durable state read or write failure.
func WrapPersistenceError(op, namespace string, err error) error {
	return NewPollError(ErrorTypePersistence, op, namespace, err)
}

// WrapEmitError wraps a downstream sink failure.
func WrapEmitError(op, namespace string, err error) error {
	return NewPollError(ErrorTypeEmit, op, namespace, err)
}

// NewValidationError reports a configuration problem.
func NewValidationError(op, format string, args ...any) error {
	return NewPollError(ErrorTypeValidation, op, "", fmt.Errorf(format, args...))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var pollErr *PollError
	if errors.As(err, &pollErr) {
		return pollErr.Retryable
	}

	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var pollErr *PollError
	if errors.As(err, &pollErr) {
		if pollErr.Type == ErrorTypeAuth {
			return true
		}
		// CloudStack answers bad signatures with 401 or its own 432
		if pollErr.StatusCode == 401 || pollErr.StatusCode == 403 || pollErr.StatusCode == 432 {
			return true
		}
	}

	if errors.Is(err, ErrUnauthorized) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "unable to verify user credentials") ||
		strings.Contains(errMsg, "unauthorized")
}

// TypeOf returns the error category used for metrics labels.
func TypeOf(err error) ErrorType {
	var pollErr *PollError
	if errors.As(err, &pollErr) {
		return pollErr.Type
	}
	return ErrorTypeInternal
}
