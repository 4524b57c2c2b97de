package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeMissingPrereq     = "MISSING_PREREQUISITE"
	ErrCodeUnknownAbility    = "UNKNOWN_ABILITY"
	ErrCodeCapabilityFailure = "CAPABILITY_FAILURE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// TriageError is the structured error type for all orchestrator operations.
type TriageError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *TriageError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TriageError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TriageError.
func NewError(code, message string) *TriageError {
	return &TriageError{Code: code, Message: message}
}

// NewErrorf creates a new TriageError with a formatted message.
func NewErrorf(code, format string, args ...any) *TriageError {
	return &TriageError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage name to the error.
func (e *TriageError) WithStage(stage string) *TriageError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *TriageError) WithCause(err error) *TriageError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TriageError) WithDetails(details map[string]any) *TriageError {
	e.Details = details
	return e
}
