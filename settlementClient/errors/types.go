package errors

import (
	"fmt"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeValidation indicates input validation errors
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNetwork indicates network-related errors
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeRateLimit indicates the RPC endpoint throttled the request (HTTP 429)
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT"

	// ErrCodeTimeout indicates timeout errors
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeRPC indicates RPC-related errors that are not a definitive on-chain answer
	ErrCodeRPC ErrorCode = "RPC"

	// ErrCodeDatabase indicates database operation errors
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeConfig indicates invalid local configuration
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeConfigConflict indicates on-chain state that contradicts the expected
	// configuration, e.g. a vault with different membership
	ErrCodeConfigConflict ErrorCode = "CONFIG_CONFLICT"

	// ErrCodeRejected indicates a definitive on-chain rejection of a transaction
	ErrCodeRejected ErrorCode = "REJECTED"

	// ErrCodeInvalidInstruction indicates a structurally invalid instruction set
	ErrCodeInvalidInstruction ErrorCode = "INVALID_INSTRUCTION"

	// ErrCodeProposalConflict indicates a live proposal whose plan differs from the intended one
	ErrCodeProposalConflict ErrorCode = "PROPOSAL_CONFLICT"

	// ErrCodeDrift indicates local state references something on-chain state does not have
	ErrCodeDrift ErrorCode = "DRIFT"

	// ErrCodeNotReady indicates a proposal is not yet eligible for the requested step
	ErrCodeNotReady ErrorCode = "NOT_READY"

	// ErrCodeExhausted indicates the retry budget was spent without success
	ErrCodeExhausted ErrorCode = "EXHAUSTED"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	// SeverityCritical indicates critical errors that require immediate attention
	SeverityCritical Severity = "CRITICAL"

	// SeverityHigh indicates high priority errors
	SeverityHigh Severity = "HIGH"

	// SeverityMedium indicates medium priority errors
	SeverityMedium Severity = "MEDIUM"

	// SeverityLow indicates low priority errors
	SeverityLow Severity = "LOW"

	// SeverityInfo indicates informational errors
	SeverityInfo Severity = "INFO"
)

// SettleError is the error type returned by every component that talks to the
// ledger or the match store.
type SettleError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Op       string                 `json:"op,omitempty"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// NewSettleError creates a new SettleError
func NewSettleError(code ErrorCode, op, message string, cause error) *SettleError {
	return &SettleError{
		Code:     code,
		Message:  message,
		Op:       op,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *SettleError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Op, e.Code, e.Severity, msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, msg)
}

// Unwrap returns the underlying cause
func (e *SettleError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *SettleError) WithContext(key string, value interface{}) *SettleError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is transient
func (e *SettleError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNetwork, ErrCodeRateLimit, ErrCodeRPC, ErrCodeTimeout:
		return true
	case ErrCodeDatabase:
		return e.Severity != SeverityCritical
	default:
		return false
	}
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal, ErrCodeConfigConflict:
		return SeverityCritical
	case ErrCodeDatabase, ErrCodeExhausted, ErrCodeProposalConflict, ErrCodeInvalidInstruction:
		return SeverityHigh
	case ErrCodeRejected, ErrCodeDrift:
		return SeverityMedium
	case ErrCodeNetwork, ErrCodeRateLimit, ErrCodeRPC, ErrCodeTimeout:
		return SeverityMedium
	case ErrCodeValidation, ErrCodeConfig, ErrCodeNotReady:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Common error constructors

// NewValidationError creates a validation error
func NewValidationError(op, message string) *SettleError {
	return NewSettleError(ErrCodeValidation, op, message, nil)
}

// NewNetworkError creates a network error
func NewNetworkError(op, message string, cause error) *SettleError {
	return NewSettleError(ErrCodeNetwork, op, message, cause)
}

// NewRateLimitError creates a rate-limit error
func NewRateLimitError(op string, cause error) *SettleError {
	return NewSettleError(ErrCodeRateLimit, op, "rate limited by RPC endpoint", cause)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(op, message string, cause error) *SettleError {
	return NewSettleError(ErrCodeTimeout, op, message, cause)
}

// NewRPCError creates an RPC error
func NewRPCError(op, message string, cause error) *SettleError {
	return NewSettleError(ErrCodeRPC, op, message, cause)
}

// NewDatabaseError creates a database error
func NewDatabaseError(op, message string, cause error) *SettleError {
	return NewSettleError(ErrCodeDatabase, op, message, cause)
}

// NewConfigConflictError creates a configuration conflict error
func NewConfigConflictError(op, message string) *SettleError {
	return NewSettleError(ErrCodeConfigConflict, op, message, nil)
}

// NewRejectedError creates an on-chain rejection error
func NewRejectedError(op, message string, cause error) *SettleError {
	return NewSettleError(ErrCodeRejected, op, message, cause)
}

// NewInvalidInstructionError creates an invalid instruction error
func NewInvalidInstructionError(op, message string) *SettleError {
	return NewSettleError(ErrCodeInvalidInstruction, op, message, nil)
}

// NewInternalError creates an internal error
func NewInternalError(op, message string, cause error) *SettleError {
	return NewSettleError(ErrCodeInternal, op, message, cause)
}
