package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/gateway"
	"github.com/nacorid/x402/http/internal/helpers"
)

// TransportName tags events and logs produced by this package.
const TransportName = "HTTP"

// MaxArgsBytes bounds the size of a tool call body.
const MaxArgsBytes = 1 << 20

// Dispatcher is the part of gateway.Dispatcher the tool server needs.
type Dispatcher interface {
	Handle(ctx context.Context, call gateway.Call) (*gateway.Outcome, error)
	Tool(name string) (gateway.Tool, bool)
}

// ToolResponse is the body of a completed tool call.
type ToolResponse struct {
	Result   json.RawMessage `json:"result,omitempty"`
	Nonce    string          `json:"nonce,omitempty"`
	Replayed bool            `json:"replayed,omitempty"`
	Receipt  *x402.Receipt   `json:"receipt,omitempty"`

	// Error is set alongside Result when settlement failed after the tool ran.
	Error *ErrorBody `json:"error,omitempty"`
}

// ToolServer serves POST /tools/{name}. The JSON body holds the tool
// arguments and the X-PAYMENT header the proof. Unpaid calls get a 402 with
// a fresh challenge; paid calls get the tool result with an
// X-PAYMENT-RESPONSE header.
type ToolServer struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewToolServer creates a ToolServer. A nil logger uses slog.Default().
func NewToolServer(d Dispatcher, logger *slog.Logger) *ToolServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolServer{dispatcher: d, logger: logger}
}

// ServeHTTP reads the tool name from the {name} path wildcard.
func (s *ToolServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.ServeTool(w, r, r.PathValue("name"))
}

// ServeTool handles a call of the named tool.
func (s *ToolServer) ServeTool(w http.ResponseWriter, r *http.Request, name string) {
	logger := s.logger.With("tool", name)
	if id := RequestIDFromContext(r.Context()); id != "" {
		logger = logger.With("request_id", id)
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, logger, x402.Errorf(x402.ErrCodeValidation, "method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.dispatcher.Tool(name); !ok {
		s.writeError(w, logger, x402.Errorf(x402.ErrCodeConfiguration, "unknown tool %q", name), http.StatusNotFound)
		return
	}

	args, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxArgsBytes))
	if err != nil {
		s.writeError(w, logger, x402.NewInvocationError(x402.ErrCodeValidation, "cannot read arguments", err), 0)
		return
	}
	payment, err := helpers.ParsePaymentHeader(r)
	if err != nil {
		s.writeError(w, logger, err, 0)
		return
	}

	out, err := s.dispatcher.Handle(r.Context(), gateway.Call{
		Tool:      name,
		Args:      args,
		Payment:   payment,
		Transport: TransportName,
	})

	switch {
	case err == nil && out.Challenge != nil:
		if out.Challenge.Resource == nil {
			out.Challenge.Resource = &x402.ResourceInfo{}
		}
		out.Challenge.Resource.URL = helpers.BuildResourceURL(r)
		if err := helpers.SendPaymentRequired(w, out.Challenge); err != nil {
			logger.Error("failed to send payment required response", "error", err)
		}
	case err == nil:
		if err := helpers.AddPaymentResponseHeader(w, out.Receipt); err != nil {
			logger.Warn("failed to add payment response header", "error", err)
		}
		s.write(w, logger, http.StatusOK, ToolResponse{
			Result:   out.Result,
			Nonce:    out.Nonce,
			Replayed: out.Replayed,
			Receipt:  out.Receipt,
		})
	case out != nil && x402.CodeOf(err) == x402.ErrCodeSettlementFailure:
		body, status := NewErrorBody(err)
		s.write(w, logger, status, ToolResponse{
			Result:   out.Result,
			Nonce:    out.Nonce,
			Replayed: out.Replayed,
			Error:    body,
		})
	default:
		s.writeError(w, logger, err, 0)
	}
}

// writeError renders err; status 0 derives the status from the error kind.
func (s *ToolServer) writeError(w http.ResponseWriter, logger *slog.Logger, err error, status int) {
	body, derived := NewErrorBody(err)
	if status == 0 {
		status = derived
	}
	var ie *x402.InvocationError
	if !errors.As(err, &ie) {
		logger.Error("tool call failed", "error", err)
	}
	if body.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	s.write(w, logger, status, ToolResponse{Nonce: body.Nonce, Error: body})
}

func (s *ToolServer) write(w http.ResponseWriter, logger *slog.Logger, status int, v interface{}) {
	if err := writeJSON(w, status, v); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}
