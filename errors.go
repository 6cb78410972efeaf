package x402

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every InvocationError unwraps to the sentinel of its code,
// so callers can classify with errors.Is regardless of the transport.
var (
	// ErrConfiguration indicates a missing or invalid server-side setting.
	ErrConfiguration = errors.New("x402: configuration error")

	// ErrValidation indicates tool arguments failed validation.
	ErrValidation = errors.New("x402: invalid arguments")

	// ErrPaymentRequired indicates no payment proof accompanied the call.
	ErrPaymentRequired = errors.New("x402: payment required")

	// ErrPaymentInvalid indicates a proof was rejected.
	ErrPaymentInvalid = errors.New("x402: payment invalid")

	// ErrFacilitatorUnavailable indicates the facilitator could not be reached.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrDuplicateInvocation indicates the nonce is already executing.
	ErrDuplicateInvocation = errors.New("x402: invocation already in progress")

	// ErrHandlerFailed indicates the tool handler failed after payment was verified.
	ErrHandlerFailed = errors.New("x402: tool handler failed")

	// ErrSettlementFailed indicates payment settlement failed after execution.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrInvalidAmount indicates an unparsable or out-of-range amount.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidNetwork indicates an unsupported network identifier.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrMalformedPayment indicates a payment payload that cannot be decoded.
	ErrMalformedPayment = errors.New("x402: malformed payment")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")
)

// ErrorCode classifies invocation failures for programmatic handling.
type ErrorCode string

const (
	ErrCodeConfiguration          ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeValidation             ErrorCode = "VALIDATION_ERROR"
	ErrCodePaymentRequired        ErrorCode = "PAYMENT_REQUIRED"
	ErrCodePaymentInvalid         ErrorCode = "PAYMENT_INVALID"
	ErrCodeFacilitatorUnavailable ErrorCode = "FACILITATOR_UNAVAILABLE"
	ErrCodeDuplicateInvocation    ErrorCode = "DUPLICATE_INVOCATION"
	ErrCodeHandlerError           ErrorCode = "HANDLER_ERROR"
	ErrCodeSettlementFailure      ErrorCode = "SETTLEMENT_FAILURE"
)

var sentinelByCode = map[ErrorCode]error{
	ErrCodeConfiguration:          ErrConfiguration,
	ErrCodeValidation:             ErrValidation,
	ErrCodePaymentRequired:        ErrPaymentRequired,
	ErrCodePaymentInvalid:         ErrPaymentInvalid,
	ErrCodeFacilitatorUnavailable: ErrFacilitatorUnavailable,
	ErrCodeDuplicateInvocation:    ErrDuplicateInvocation,
	ErrCodeHandlerError:           ErrHandlerFailed,
	ErrCodeSettlementFailure:      ErrSettlementFailed,
}

// codePrecedence orders classification when an error chain carries more
// than one sentinel.
var codePrecedence = []ErrorCode{
	ErrCodeSettlementFailure,
	ErrCodeFacilitatorUnavailable,
	ErrCodePaymentInvalid,
	ErrCodePaymentRequired,
	ErrCodeDuplicateInvocation,
	ErrCodeValidation,
	ErrCodeConfiguration,
	ErrCodeHandlerError,
}

// InvocationError is the structured error returned by the gateway.
type InvocationError struct {
	// Code is the error kind.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Nonce is the invocation the error belongs to, if one was issued.
	Nonce string

	// Details contains additional error context safe to show callers.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the code's sentinel and the underlying cause.
func (e *InvocationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinelByCode[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether the caller may retry the same proof later.
func (e *InvocationError) Retryable() bool {
	return e.Code == ErrCodeFacilitatorUnavailable
}

// NewInvocationError creates an InvocationError with the given code and message.
func NewInvocationError(code ErrorCode, message string, err error) *InvocationError {
	return &InvocationError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
func (e *InvocationError) WithDetails(key string, value interface{}) *InvocationError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithNonce attaches the invocation nonce.
func (e *InvocationError) WithNonce(nonce string) *InvocationError {
	e.Nonce = nonce
	return e
}

// Errorf is shorthand for NewInvocationError with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *InvocationError {
	return NewInvocationError(code, fmt.Sprintf(format, args...), nil)
}

// CodeOf extracts the error code from err. Errors that are not
// InvocationErrors are classified through their sentinel, falling back to
// HANDLER_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Code
	}
	for _, code := range codePrecedence {
		if errors.Is(err, sentinelByCode[code]) {
			return code
		}
	}
	return ErrCodeHandlerError
}

// IsRetryable reports whether err is a transient facilitator failure.
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrCodeFacilitatorUnavailable
}
