package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nacorid/x402"
)

// ErrorBody is the JSON shape of a failed invocation.
type ErrorBody struct {
	Code      x402.ErrorCode         `json:"code"`
	Message   string                 `json:"message"`
	Nonce     string                 `json:"nonce,omitempty"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(code x402.ErrorCode) int {
	switch code {
	case x402.ErrCodeValidation:
		return http.StatusBadRequest
	case x402.ErrCodePaymentRequired, x402.ErrCodePaymentInvalid:
		return http.StatusPaymentRequired
	case x402.ErrCodeFacilitatorUnavailable:
		return http.StatusServiceUnavailable
	case x402.ErrCodeDuplicateInvocation:
		return http.StatusConflict
	case x402.ErrCodeSettlementFailure:
		// The tool ran; its result is in the body.
		return http.StatusOK
	case x402.ErrCodeHandlerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorBody renders err for callers. Errors outside the invocation
// taxonomy are reported without their text.
func NewErrorBody(err error) (*ErrorBody, int) {
	var ie *x402.InvocationError
	if !errors.As(err, &ie) {
		return &ErrorBody{Code: "INTERNAL_ERROR", Message: "internal error"}, http.StatusInternalServerError
	}
	return &ErrorBody{
		Code:      ie.Code,
		Message:   ie.Error(),
		Nonce:     ie.Nonce,
		Retryable: ie.Retryable(),
		Details:   ie.Details,
	}, StatusFor(ie.Code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
