// Package facilitator verifies payment proofs and settles payments. The
// Interface is the remote facilitator contract (implemented over HTTP by
// package http); Client layers the gateway's own checks and failover on top
// of one or more remote facilitators.
package facilitator

import (
	"context"

	"github.com/nacorid/x402"
)

// Interface is the contract of a remote x402 facilitator.
type Interface interface {
	// Verify checks that payload satisfies requirements without moving funds.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle moves funds for a previously verified payload.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)

	// Supported lists the schemes and networks the facilitator handles.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}
