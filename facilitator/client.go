package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/internal/eip3009"
	"github.com/nacorid/x402/pricing"
	"github.com/nacorid/x402/validation"
)

// Verification is a proof that passed both local and facilitator checks.
type Verification struct {
	Proof        x402.PaymentProof
	Requirements x402.PaymentRequirements
	Payer        string

	// verifiedBy is tried first for settlement.
	verifiedBy Interface
}

// Client checks proofs against the payout table and price before asking
// the remote facilitators, and maps every outcome onto the gateway's error
// kinds. Facilitators are tried in order; a later one is used only when an
// earlier one is unavailable.
type Client struct {
	facilitators      []Interface
	payouts           *pricing.PayoutTable
	timeouts          x402.TimeoutConfig
	maxTimeoutSeconds int
	checkSignatures   bool
	logger            *slog.Logger
	now               func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithFallback adds a facilitator used when the previous ones are unavailable.
func WithFallback(f Interface) ClientOption {
	return func(c *Client) {
		if f != nil {
			c.facilitators = append(c.facilitators, f)
		}
	}
}

// WithTimeouts sets the verify and settle deadlines.
func WithTimeouts(t x402.TimeoutConfig) ClientOption {
	return func(c *Client) {
		c.timeouts = t
	}
}

// WithMaxTimeoutSeconds sets the authorization window expected in proofs.
// It must match the challenge generator's setting.
func WithMaxTimeoutSeconds(s int) ClientOption {
	return func(c *Client) {
		c.maxTimeoutSeconds = s
	}
}

// WithSignatureCheck toggles local EIP-3009 signature recovery.
func WithSignatureCheck(enabled bool) ClientOption {
	return func(c *Client) {
		c.checkSignatures = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a Client for the primary facilitator.
func NewClient(primary Interface, payouts *pricing.PayoutTable, opts ...ClientOption) (*Client, error) {
	if primary == nil {
		return nil, fmt.Errorf("%w: facilitator is required", x402.ErrConfiguration)
	}
	if payouts == nil {
		return nil, fmt.Errorf("%w: payout table is required", x402.ErrConfiguration)
	}
	c := &Client{
		facilitators:      []Interface{primary},
		payouts:           payouts,
		timeouts:          x402.DefaultTimeouts,
		maxTimeoutSeconds: x402.DefaultMaxTimeoutSeconds,
		checkSignatures:   true,
		logger:            slog.Default(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.timeouts = c.timeouts.OrDefault()
	if err := c.timeouts.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Verify accepts proof as payment of price for the invocation identified by
// nonce. Rejections are PAYMENT_INVALID; an unreachable facilitator is
// FACILITATOR_UNAVAILABLE and may be retried with the same proof.
func (c *Client) Verify(ctx context.Context, proof x402.PaymentProof, price x402.Price, nonce string) (*Verification, error) {
	entry, ok := c.payouts.Lookup(proof.Network)
	if !ok {
		return nil, invalid("network %s is not accepted", proof.Network).
			WithDetails("accepted", c.payouts.Networks())
	}
	if proof.Nonce != nonce {
		return nil, invalid("payment is bound to a different invocation")
	}

	req, err := entry.Requirements(price, nonce, c.maxTimeoutSeconds)
	if err != nil {
		return nil, x402.NewInvocationError(x402.ErrCodeConfiguration, "cannot price tool on "+proof.Network, err)
	}
	if !validation.SameAddress(proof.PayTo, entry.Address, entry.Network) {
		return nil, invalid("payment recipient %s is not the payout address", proof.PayTo)
	}
	if proof.Asset != "" && !validation.SameAddress(proof.Asset, entry.Asset, entry.Network) {
		return nil, invalid("payment asset %s is not accepted on %s", proof.Asset, entry.Network)
	}

	required, _ := new(big.Int).SetString(req.Amount, 10)
	if proof.Amount == nil || proof.Amount.Cmp(required) < 0 {
		provided := "0"
		if proof.Amount != nil {
			provided = proof.Amount.String()
		}
		return nil, invalid("payment amount %s is below the price %s", provided, req.Amount).
			WithDetails("required", req.Amount).
			WithDetails("provided", provided)
	}

	if err := c.checkAuthorization(proof, entry); err != nil {
		return nil, err
	}

	var lastErr error
	for i, f := range c.facilitators {
		vctx, cancel := context.WithTimeout(ctx, c.timeouts.VerifyTimeout)
		resp, err := f.Verify(vctx, proof.Payload, req)
		cancel()

		if err != nil {
			if unavailable(err) {
				lastErr = err
				c.logger.WarnContext(ctx, "facilitator unavailable for verify",
					"facilitator", i, "nonce", nonce, "error", err)
				continue
			}
			if errors.Is(err, x402.ErrPaymentInvalid) {
				return nil, x402.NewInvocationError(x402.ErrCodePaymentInvalid, "facilitator rejected payment", err)
			}
			return nil, x402.NewInvocationError(x402.ErrCodeFacilitatorUnavailable, "facilitator verify failed", err)
		}
		if !resp.IsValid {
			msg := resp.InvalidMessage
			if msg == "" {
				msg = resp.InvalidReason
			}
			return nil, invalid("facilitator rejected payment: %s", msg).
				WithDetails("reason", resp.InvalidReason)
		}

		payer := resp.Payer
		if payer == "" {
			payer = proof.Payer
		}
		return &Verification{Proof: proof, Requirements: req, Payer: payer, verifiedBy: f}, nil
	}

	return nil, x402.NewInvocationError(x402.ErrCodeFacilitatorUnavailable, "no facilitator reachable", lastErr)
}

// checkAuthorization applies the checks that need no facilitator round
// trip: the authorization window and, when the EIP-712 domain is known,
// the payer's signature.
func (c *Client) checkAuthorization(proof x402.PaymentProof, entry pricing.PayoutEntry) error {
	typ, _ := x402.ValidateNetwork(entry.Network)
	if typ != x402.NetworkTypeEVM {
		return nil
	}

	evm, err := DecodeEVMPayload(proof.Payload)
	if err != nil {
		return malformed(err)
	}
	auth, err := eip3009.Parse(evm.Authorization)
	if err != nil {
		return malformed(err)
	}
	if !auth.ValidAt(c.now()) {
		return invalid("payment authorization is outside its validity window")
	}
	if !c.checkSignatures {
		return nil
	}

	name, _ := entry.Extra["name"].(string)
	version, _ := entry.Extra["version"].(string)
	chainID, err := x402.GetChainID(entry.Network)
	if name == "" || version == "" || err != nil {
		return nil
	}
	domain := eip3009.Domain{
		Name:              name,
		Version:           version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.HexToAddress(entry.Asset),
	}
	if err := eip3009.VerifySignature(domain, auth, evm.Signature); err != nil {
		return x402.NewInvocationError(x402.ErrCodePaymentInvalid, "payment signature is invalid", err)
	}
	return nil
}

// Settle collects the verified payment. Every failure is a
// SETTLEMENT_FAILURE; if no facilitator could be reached the error also
// matches ErrFacilitatorUnavailable.
func (c *Client) Settle(ctx context.Context, v *Verification) (*x402.Receipt, error) {
	order := make([]Interface, 0, len(c.facilitators))
	if v.verifiedBy != nil {
		order = append(order, v.verifiedBy)
	}
	for _, f := range c.facilitators {
		if f != v.verifiedBy {
			order = append(order, f)
		}
	}

	var lastErr error
	for i, f := range order {
		sctx, cancel := context.WithTimeout(ctx, c.timeouts.SettleTimeout)
		resp, err := f.Settle(sctx, v.Proof.Payload, v.Requirements)
		cancel()

		if err != nil {
			if unavailable(err) {
				lastErr = err
				c.logger.WarnContext(ctx, "facilitator unavailable for settle",
					"facilitator", i, "nonce", v.Proof.Nonce, "error", err)
				continue
			}
			return nil, x402.NewInvocationError(x402.ErrCodeSettlementFailure, "settlement rejected", err)
		}
		if !resp.Success {
			msg := resp.ErrorMessage
			if msg == "" {
				msg = resp.ErrorReason
			}
			return nil, x402.Errorf(x402.ErrCodeSettlementFailure, "settlement failed: %s", msg).
				WithDetails("reason", resp.ErrorReason)
		}

		network := resp.Network
		if network == "" {
			network = v.Proof.Network
		}
		payer := resp.Payer
		if payer == "" {
			payer = v.Payer
		}
		return &x402.Receipt{
			ID:        resp.Transaction,
			Amount:    v.Proof.Amount.String(),
			Network:   network,
			Payer:     payer,
			SettledAt: c.now(),
		}, nil
	}

	return nil, x402.NewInvocationError(x402.ErrCodeSettlementFailure, "no facilitator reachable for settlement", lastErr)
}

// Payouts returns the payout table the client checks against.
func (c *Client) Payouts() *pricing.PayoutTable {
	return c.payouts
}

func unavailable(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func invalid(format string, args ...interface{}) *x402.InvocationError {
	return x402.Errorf(x402.ErrCodePaymentInvalid, format, args...)
}
