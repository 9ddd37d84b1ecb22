package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassNone marks the absence of an error.
	ErrorClassNone ErrorClass = ""

	// ErrorClassValidation indicates bad or missing input detected before any
	// external call. Never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassActionTimeout indicates the external action exceeded its timeout.
	ErrorClassActionTimeout ErrorClass = "action_timeout"

	// ErrorClassActionFailure indicates the external action ran but reported failure.
	ErrorClassActionFailure ErrorClass = "action_failure"

	// ErrorClassTransport indicates the target machine could not be reached.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassSystem indicates a store write failure or an internal invariant
	// violation. Never retried and always critical.
	ErrorClassSystem ErrorClass = "system"
)

// Severity grades how urgently an error needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// SetupError represents a classified error with context.
// nolint:revive // SetupError is intentionally named to distinguish from standard errors
type SetupError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Severity grades the error; system errors are always critical.
	Severity Severity `json:"severity"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Machine is the machine the error relates to, if any.
	Machine string `json:"machine,omitempty"`

	// Task is the task the error relates to, if any.
	Task string `json:"task,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *SetupError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	switch {
	case e.Machine != "" && e.Task != "":
		return fmt.Sprintf("[%s] %s (machine=%s, task=%s)", e.Class, msg, e.Machine, e.Task)
	case e.Machine != "":
		return fmt.Sprintf("[%s] %s (machine=%s)", e.Class, msg, e.Machine)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *SetupError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *SetupError) Is(target error) bool {
	t, ok := target.(*SetupError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newSetupError(class ErrorClass, severity Severity, code, message string, err error) *SetupError {
	return &SetupError{
		Class:    class,
		Severity: severity,
		Code:     code,
		Message:  message,
		Err:      err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *SetupError {
	return newSetupError(ErrorClassValidation, SeverityError, ErrCodeValidation, message, err)
}

// NewTimeoutError creates a new action timeout error.
func NewTimeoutError(message string, err error) *SetupError {
	return newSetupError(ErrorClassActionTimeout, SeverityError, ErrCodeTimeout, message, err)
}

// NewActionError creates a new action failure error.
func NewActionError(message string, err error) *SetupError {
	return newSetupError(ErrorClassActionFailure, SeverityError, ErrCodeActionFailed, message, err)
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *SetupError {
	return newSetupError(ErrorClassTransport, SeverityError, ErrCodeNetwork, message, err)
}

// NewSystemError creates a new critical system error.
func NewSystemError(message string, err error) *SetupError {
	return newSetupError(ErrorClassSystem, SeverityCritical, ErrCodeInternal, message, err)
}

// WithMachine adds machine context to an error.
func (e *SetupError) WithMachine(machine string) *SetupError {
	e.Machine = machine
	return e
}

// WithTask adds task context to an error.
func (e *SetupError) WithTask(task string) *SetupError {
	e.Task = task
	return e
}

// WithCode overrides the error code.
func (e *SetupError) WithCode(code string) *SetupError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *SetupError) WithDetail(key string, value interface{}) *SetupError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the classification of err. Unclassified errors are treated
// as system errors so they are never silently retried.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	var e *SetupError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassSystem
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsSystem returns true if the error is classified as a system error.
func IsSystem(err error) bool {
	return ClassOf(err) == ErrorClassSystem
}

// IsRetryable returns true if the error can be retried.
// Timeouts, action failures and transport errors are retryable.
func IsRetryable(err error) bool {
	return ClassRetryable(ClassOf(err))
}

// ClassRetryable reports whether errors of the given class may be retried.
func ClassRetryable(class ErrorClass) bool {
	switch class {
	case ErrorClassActionTimeout, ErrorClassActionFailure, ErrorClassTransport:
		return true
	default:
		return false
	}
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTimeout        = "ACTION_TIMEOUT"
	ErrCodeActionFailed   = "ACTION_FAILED"
	ErrCodeNetwork        = "NETWORK_ERROR"
	ErrCodeDatabase       = "DATABASE_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeStatusConflict = "STATUS_CONFLICT"
	ErrCodePolicyDenied   = "POLICY_DENIED"
)

// ActionExitCode returns the error code for an action that exited with code n.
func ActionExitCode(n int) string {
	return fmt.Sprintf("ACTION_EXIT_%d", n)
}

// Sentinel errors returned by repositories and the coordinator.
var (
	// ErrNotFound is returned when a request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned when a conditional status update finds the
	// request in an unexpected status.
	ErrStatusConflict = errors.New("status conflict")

	// ErrAlreadyStarted is returned when another caller already moved the
	// request from approved to in progress.
	ErrAlreadyStarted = errors.New("request already started")
)
