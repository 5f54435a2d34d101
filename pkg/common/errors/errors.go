package errors

import (
	"errors"
	"fmt"
)

// Common error types used across the queuemon library

var (
	// ErrClosed indicates that an operation was attempted on a closed queue
	ErrClosed = errors.New("queue is closed")

	// ErrUnknownMessage indicates that an ack or nack referenced a message that is not in flight
	ErrUnknownMessage = errors.New("unknown message")

	// ErrInvalidConfiguration indicates invalid configuration parameters
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrRegistration indicates that the metrics registry rejected a metric at startup
	ErrRegistration = errors.New("metric registration failed")

	// ErrTransientMetric indicates that a single increment or gauge read failed.
	// It is logged and never returned to queue callers.
	ErrTransientMetric = errors.New("transient metric error")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")
)

// ValidationError describes a configuration value that failed validation.
type ValidationError struct {
	Module string
	Field  string
	Value  interface{}
	Reason string
	Hint   string
}

// NewValidationError creates a ValidationError for module.field.
func NewValidationError(module, field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{Module: module, Field: field, Value: value, Reason: reason}
}

// WithHint attaches a remediation hint to the error.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s=%v (%s)", e.Module, e.Field, e.Value, e.Reason)
	if e.Hint != "" {
		msg += " - " + e.Hint
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrInvalidConfiguration) hold for validation errors.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// RegistrationError reports a metric the registry refused to create.
type RegistrationError struct {
	// Name is the metric name as requested by the caller.
	Name string
	// Kind is "counter" or "gauge".
	Kind string
	// Err is the underlying cause.
	Err error
}

func (e *RegistrationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("register %s %q: %v", e.Kind, e.Name, ErrRegistration)
	}
	return fmt.Sprintf("register %s %q: %v", e.Kind, e.Name, e.Err)
}

// Unwrap returns both the cause and ErrRegistration so either can be matched.
func (e *RegistrationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRegistration}
	}
	return []error{ErrRegistration, e.Err}
}

// OperationError wraps a failure of a queue operation against its backend.
type OperationError struct {
	Module    string
	Operation string
	Cause     error
	Context   string
}

// NewOperationError creates an OperationError for module.operation.
func NewOperationError(module, operation string, cause error) *OperationError {
	return &OperationError{Module: module, Operation: operation, Cause: cause}
}

// WithContext attaches extra detail to the error.
func (e *OperationError) WithContext(context string) *OperationError {
	e.Context = context
	return e
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s.%s failed: %v", e.Module, e.Operation, e.Cause)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRegistrationError reports whether err is or wraps a *RegistrationError.
func IsRegistrationError(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}

// IsRetryable returns true if the error indicates a condition that might
// be resolved by retrying the operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransientMetric)
}
