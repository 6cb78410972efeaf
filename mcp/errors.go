package mcp

import (
	"fmt"

	"github.com/nacorid/x402"
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// CodeFor maps an invocation error kind to its JSON-RPC error code.
func CodeFor(code x402.ErrorCode) int {
	switch code {
	case x402.ErrCodePaymentRequired, x402.ErrCodePaymentInvalid:
		return CodePaymentRequired
	case x402.ErrCodeValidation:
		return CodeInvalidParams
	case x402.ErrCodeFacilitatorUnavailable:
		return CodeFacilitatorUnavailable
	case x402.ErrCodeDuplicateInvocation:
		return CodeDuplicateInvocation
	case x402.ErrCodeHandlerError:
		return CodeToolFailed
	case x402.ErrCodeSettlementFailure:
		return CodeSettlementFailed
	default:
		return CodeInternalError
	}
}
