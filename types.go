// Package x402 holds the shared vocabulary of the payment-gated tool gateway:
// the x402 v2 wire types exchanged with callers and facilitators, prices,
// payment proofs, settlement receipts and the error taxonomy used by every
// other package.
//
// Networks are CAIP-2 identifiers (e.g., "eip155:84532"). Amounts on the wire
// are strings in the asset's atomic units.
package x402

import (
	"math/big"
	"time"
)

// X402Version is the protocol version spoken on the wire.
const X402Version = 2

// SchemeExact is the only payment scheme the gateway issues.
const SchemeExact = "exact"

// ExtraNonceKey is the PaymentRequirements.Extra key carrying the
// invocation nonce.
const ExtraNonceKey = "nonce"

// ResourceInfo describes the tool a challenge is issued for.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is one acceptable way to pay, an element of
// PaymentRequired.Accepts.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (always "exact").
	Scheme string `json:"scheme"`

	// Network is the CAIP-2 network the payment must land on.
	Network string `json:"network"`

	// Amount is the minimum amount in atomic units of Asset.
	Amount string `json:"amount"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// PayTo is the gateway operator's payout address on Network.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds bounds how long the payment authorization may stay open.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra carries scheme data; the gateway always sets "nonce" here.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Extension is passthrough protocol extension data.
type Extension struct {
	Info   map[string]interface{} `json:"info"`
	Schema map[string]interface{} `json:"schema"`
}

// PaymentRequired is the challenge returned for an unpaid invocation.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`

	// Nonce identifies the single invocation this challenge pays for.
	Nonce string `json:"nonce,omitempty"`

	// ExpiresAt is the instant after which the nonce can no longer be claimed.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// Facilitator is where the caller's proof will be verified.
	Facilitator string `json:"facilitator,omitempty"`

	Extensions map[string]Extension `json:"extensions,omitempty"`
}

// PaymentPayload is the caller-supplied attestation of payment.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Resource    *ResourceInfo       `json:"resource,omitempty"`
	Accepted    PaymentRequirements `json:"accepted"`

	// Payload is the chain-specific signed data: EVMPayload or SVMPayload.
	Payload interface{} `json:"payload"`

	Extensions map[string]Extension `json:"extensions,omitempty"`
}

// EVMPayload carries an EIP-3009 transferWithAuthorization.
type EVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization holds the EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SVMPayload carries a partially signed Solana transaction.
type SVMPayload struct {
	Transaction string `json:"transaction"`
}

// VerifyResponse is returned by a facilitator's /verify endpoint.
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// SettleResponse is returned by a facilitator's /settle endpoint.
type SettleResponse struct {
	Success      bool   `json:"success"`
	ErrorReason  string `json:"errorReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Transaction  string `json:"transaction"`
	Network      string `json:"network"`
	Payer        string `json:"payer,omitempty"`
}

// SupportedKind describes one scheme/network pair a facilitator handles.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by a facilitator's /supported endpoint.
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions"`
	Signers    map[string][]string `json:"signers"`
}

// PaymentProof is the gateway's parsed view of a caller's payment. It is
// derived from caller input only and is never trusted until verified.
type PaymentProof struct {
	// Network is the CAIP-2 network the payment claims to be on.
	Network string

	// Payer is the paying address, when the payload exposes it.
	Payer string

	// Amount is the claimed amount in atomic units of the payout asset.
	Amount *big.Int

	// Nonce is the challenge nonce the proof answers.
	Nonce string

	// PayTo is the address the payment is directed at.
	PayTo string

	// Asset is the token the payment is made in.
	Asset string

	// Payload is the raw attestation forwarded to the facilitator.
	Payload PaymentPayload
}

// Receipt is the facilitator's evidence that a payment was settled.
type Receipt struct {
	// ID is the settlement transaction hash.
	ID        string    `json:"transaction"`
	Amount    string    `json:"amount"`
	Network   string    `json:"network"`
	Payer     string    `json:"payer,omitempty"`
	SettledAt time.Time `json:"settledAt"`
}

// SettleResponse renders the receipt in the facilitator wire shape used in
// payment-response headers and metadata.
func (r Receipt) SettleResponse() SettleResponse {
	return SettleResponse{
		Success:     true,
		Transaction: r.ID,
		Network:     r.Network,
		Payer:       r.Payer,
	}
}
