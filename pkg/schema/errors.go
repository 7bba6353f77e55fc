package schema

import "fmt"

// Error codes for structured error reporting. The first seven form the
// run-level error taxonomy; the rest cover ambient concerns.
const (
	ErrCodeInitFailed         = "INIT_FAILED"
	ErrCodeHardwareFailure    = "HARDWARE_FAILURE"
	ErrCodeBufferOverflow     = "BUFFER_OVERFLOW"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInvalidSignal      = "INVALID_SIGNAL"
	ErrCodeTransmissionFailed = "TRANSMISSION_FAILED"
	ErrCodeGateDenied         = "GATE_DENIED"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// WorkflowError is the structured error type for all engine operations.
// No WorkflowError escapes the orchestrator; every error path resolves into
// a state transition.
type WorkflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Gate    GateName       `json:"gate,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WorkflowError) Error() string {
	if e.Gate != "" {
		return fmt.Sprintf("[%s] gate %s: %s", e.Code, e.Gate, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WorkflowError.
func NewError(code, message string) *WorkflowError {
	return &WorkflowError{Code: code, Message: message}
}

// NewErrorf creates a new WorkflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithGate attaches the denying gate to the error.
func (e *WorkflowError) WithGate(gate GateName) *WorkflowError {
	e.Gate = gate
	return e
}

// WithCause attaches an underlying cause.
func (e *WorkflowError) WithCause(err error) *WorkflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WorkflowError) WithDetails(details map[string]any) *WorkflowError {
	e.Details = details
	return e
}
