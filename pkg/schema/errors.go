package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeMalformedDefinition = "MALFORMED_DEFINITION"
	ErrCodeNoMatchingBranch    = "NO_MATCHING_BRANCH"
	ErrCodeGatewayUnavailable  = "GATEWAY_UNAVAILABLE"
	ErrCodeEvaluationTimeout   = "EVALUATION_TIMEOUT"
	ErrCodeInvalidExpression   = "INVALID_EXPRESSION"
	ErrCodeNotAwaitingDecision = "NOT_AWAITING_DECISION"
	ErrCodeRetryLimitExceeded  = "RETRY_LIMIT_EXCEEDED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeInterpolation       = "INTERPOLATION_ERROR"
)

// FlowError is the structured error type returned by every credflow component.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the Dispatcher may re-attempt the queue item.
// Only infrastructure failures qualify; definition and business errors never do.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeGatewayUnavailable, ErrCodeCircuitOpen, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first FlowError in err's chain, or "" if none.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
