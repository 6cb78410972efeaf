// Package mcp holds the x402 conventions shared by MCP servers and clients:
// metadata keys and JSON-RPC error codes.
package mcp

import "encoding/json"

// Metadata keys carried in params._meta and result._meta.
const (
	// MetaPaymentKey holds the caller's PaymentPayload in params._meta.
	MetaPaymentKey = "x402/payment"

	// MetaPaymentResponseKey holds the settlement outcome in result._meta.
	MetaPaymentResponseKey = "x402/payment-response"

	// MetaNonceKey holds the invocation nonce in result._meta.
	MetaNonceKey = "x402/nonce"

	// MetaErrorKey holds the invocation error when a result is returned
	// despite a failure.
	MetaErrorKey = "x402/error"
)

// JSON-RPC error codes. 402 mirrors the HTTP status used by x402; the
// -320xx range is reserved for implementation-defined server errors.
const (
	CodeParseError             = -32700
	CodeInvalidRequest         = -32600
	CodeInvalidParams          = -32602
	CodeInternalError          = -32603
	CodePaymentRequired        = 402
	CodeFacilitatorUnavailable = -32001
	CodeDuplicateInvocation    = -32002
	CodeToolFailed             = -32003
	CodeSettlementFailed       = -32004
)

// Request is a JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// CallToolParams are the params of a tools/call request.
type CallToolParams struct {
	Name      string                     `json:"name"`
	Arguments json.RawMessage            `json:"arguments,omitempty"`
	Meta      map[string]json.RawMessage `json:"_meta,omitempty"`
}
