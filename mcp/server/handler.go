package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/gateway"
	x402http "github.com/nacorid/x402/http"
	"github.com/nacorid/x402/mcp"
)

// TransportName tags events and logs produced by this package.
const TransportName = "MCP"

// X402Handler wraps an MCP HTTP handler. It answers tools/call requests for
// priced tools itself and forwards everything else.
type X402Handler struct {
	mcpHandler http.Handler
	config     *Config
}

// NewX402Handler creates a new x402 payment handler.
func NewX402Handler(mcpHandler http.Handler, config *Config) (*X402Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &X402Handler{
		mcpHandler: mcpHandler,
		config:     config,
	}, nil
}

// toolResult is the result of a priced tools/call.
type toolResult struct {
	Content           []mcpproto.Content     `json:"content"`
	StructuredContent json.RawMessage        `json:"structuredContent,omitempty"`
	IsError           bool                   `json:"isError,omitempty"`
	Meta              map[string]interface{} `json:"_meta,omitempty"`
}

// ServeHTTP intercepts HTTP requests to check for x402 payments.
func (h *X402Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.config.logger()
	if id := x402http.RequestIDFromContext(r.Context()); id != "" {
		logger = logger.With("request_id", id)
	}
	// Only intercept POST requests (JSON-RPC calls)
	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.maxBodyBytes()))
	if err != nil {
		h.writeError(w, nil, &mcp.RPCError{Code: mcp.CodeInvalidRequest, Message: "Request body too large or unreadable"})
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var rpcReq mcp.Request
	if err := json.Unmarshal(bodyBytes, &rpcReq); err != nil {
		// Batches and anything else we cannot read go to the MCP server as-is.
		h.mcpHandler.ServeHTTP(w, r)
		return
	}
	if rpcReq.Method != "tools/call" {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var params mcp.CallToolParams
	if err := json.Unmarshal(rpcReq.Params, &params); err != nil {
		h.writeError(w, rpcReq.ID, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "Invalid params"})
		return
	}
	if !h.config.RequiresPayment(params.Name) {
		// Free or unknown tool - pass through
		h.mcpHandler.ServeHTTP(w, r)
		return
	}
	logger = logger.With("rpc_id", rpcReq.ID, "tool", params.Name)

	payment, err := extractPayment(params.Meta)
	if err != nil {
		logger.InfoContext(r.Context(), "rejected payment metadata", "error", err)
		h.writeInvocationError(w, rpcReq.ID, err)
		return
	}

	out, err := h.config.Dispatcher.Handle(r.Context(), gateway.Call{
		Tool:      params.Name,
		Args:      params.Arguments,
		Payment:   payment,
		Transport: TransportName,
	})
	switch {
	case err == nil && out.Challenge != nil:
		if h.config.Verbose {
			logger.InfoContext(r.Context(), "payment required", "nonce", out.Nonce)
		}
		h.writeError(w, rpcReq.ID, &mcp.RPCError{
			Code:    mcp.CodePaymentRequired,
			Message: "Payment required",
			Data:    out.Challenge,
		})
	case err == nil:
		if h.config.Verbose {
			logger.InfoContext(r.Context(), "tool call paid", "nonce", out.Nonce, "replayed", out.Replayed)
		}
		meta := map[string]interface{}{mcp.MetaNonceKey: out.Nonce}
		if out.Receipt != nil {
			meta[mcp.MetaPaymentResponseKey] = out.Receipt.SettleResponse()
		}
		h.writeResult(w, rpcReq.ID, newToolResult(out.Result, meta))
	case out != nil && x402.CodeOf(err) == x402.ErrCodeSettlementFailure:
		// The tool ran; hand back its result together with the failure.
		body, _ := x402http.NewErrorBody(err)
		meta := map[string]interface{}{
			mcp.MetaNonceKey: out.Nonce,
			mcp.MetaErrorKey: body,
			mcp.MetaPaymentResponseKey: x402.SettleResponse{
				Success:     false,
				ErrorReason: body.Message,
				Network:     networkOf(payment),
			},
		}
		h.writeResult(w, rpcReq.ID, newToolResult(out.Result, meta))
	default:
		if h.config.Verbose {
			logger.InfoContext(r.Context(), "tool call failed", "error", err)
		}
		h.writeInvocationError(w, rpcReq.ID, err)
	}
}

// extractPayment decodes params._meta["x402/payment"]. A missing entry
// yields nil, nil.
func extractPayment(meta map[string]json.RawMessage) (*x402.PaymentPayload, error) {
	raw, ok := meta[mcp.MetaPaymentKey]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var payment x402.PaymentPayload
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, x402.NewInvocationError(x402.ErrCodePaymentInvalid, "malformed payment metadata", err)
	}
	if payment.X402Version != x402.X402Version {
		return nil, x402.NewInvocationError(x402.ErrCodePaymentInvalid,
			fmt.Sprintf("unsupported x402 version %d", payment.X402Version), x402.ErrUnsupportedVersion)
	}
	return &payment, nil
}

func networkOf(p *x402.PaymentPayload) string {
	if p == nil {
		return ""
	}
	return p.Accepted.Network
}

// newToolResult renders a tool's JSON result as MCP content. Object results
// are also returned as structured content.
func newToolResult(result json.RawMessage, meta map[string]interface{}) toolResult {
	tr := toolResult{
		Content: []mcpproto.Content{mcpproto.NewTextContent(string(result))},
		Meta:    meta,
	}
	if trimmed := bytes.TrimSpace(result); len(trimmed) > 0 && trimmed[0] == '{' {
		tr.StructuredContent = result
	}
	return tr
}

func (h *X402Handler) writeInvocationError(w http.ResponseWriter, id interface{}, err error) {
	body, _ := x402http.NewErrorBody(err)
	h.writeError(w, id, &mcp.RPCError{
		Code:    mcp.CodeFor(body.Code),
		Message: body.Message,
		Data:    body,
	})
}

func (h *X402Handler) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	h.write(w, mcp.Response{JSONRPC: "2.0", ID: id, Result: result})
}

// writeError writes a JSON-RPC error response.
func (h *X402Handler) writeError(w http.ResponseWriter, id interface{}, rpcErr *mcp.RPCError) {
	h.write(w, mcp.Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func (h *X402Handler) write(w http.ResponseWriter, resp mcp.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors use 200 status
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.config.logger().Warn("failed to write response", "error", err)
	}
}

var _ http.Handler = (*X402Handler)(nil)
