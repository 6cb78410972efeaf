// Package challenge issues payment challenges for priced tool invocations.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/internal/eip3009"
	"github.com/nacorid/x402/ledger"
	"github.com/nacorid/x402/pricing"
	"github.com/nacorid/x402/validation"
)

// DefaultTTL is how long an issued nonce stays claimable.
const DefaultTTL = 5 * time.Minute

// maxReserveAttempts bounds retries on the (practically impossible) nonce
// collision.
const maxReserveAttempts = 3

// Generator issues challenges and reserves their nonces in the ledger.
type Generator struct {
	payouts           *pricing.PayoutTable
	ledger            ledger.Ledger
	facilitatorURL    string
	ttl               time.Duration
	maxTimeoutSeconds int
	resourceURL       func(tool string) string
	newNonce          func() (string, error)
	now               func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithTTL sets the nonce lifetime.
func WithTTL(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithMaxTimeoutSeconds sets the authorization window offered to payers.
func WithMaxTimeoutSeconds(s int) Option {
	return func(g *Generator) {
		if s > 0 {
			g.maxTimeoutSeconds = s
		}
	}
}

// WithResourceURL overrides how a tool name becomes the challenge resource URL.
func WithResourceURL(fn func(tool string) string) Option {
	return func(g *Generator) {
		if fn != nil {
			g.resourceURL = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// ToolResource returns the MCP resource URL of a tool.
func ToolResource(tool string) string {
	return "mcp://tools/" + tool
}

// NewGenerator creates a Generator for payouts, recording nonces in l and
// advertising facilitatorURL as the verifier.
func NewGenerator(payouts *pricing.PayoutTable, l ledger.Ledger, facilitatorURL string, opts ...Option) (*Generator, error) {
	if payouts == nil {
		return nil, fmt.Errorf("%w: payout table is required", x402.ErrConfiguration)
	}
	if l == nil {
		return nil, fmt.Errorf("%w: ledger is required", x402.ErrConfiguration)
	}
	if facilitatorURL == "" {
		return nil, fmt.Errorf("%w: facilitator URL is required", x402.ErrConfiguration)
	}
	g := &Generator{
		payouts:           payouts,
		ledger:            l,
		facilitatorURL:    facilitatorURL,
		ttl:               DefaultTTL,
		maxTimeoutSeconds: x402.DefaultMaxTimeoutSeconds,
		resourceURL:       ToolResource,
		newNonce:          NewNonce,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NewNonce returns 256 random bits as 0x-prefixed hex.
func NewNonce() (string, error) {
	raw, err := eip3009.GenerateNonce()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hexutil.Encode(raw[:]), nil
}

// TTL returns the nonce lifetime.
func (g *Generator) TTL() time.Duration {
	return g.ttl
}

// Issue prices toolID on every payout network and reserves a fresh nonce.
// A challenge is never returned without its ledger record.
func (g *Generator) Issue(ctx context.Context, toolID string, price x402.Price) (*x402.PaymentRequired, error) {
	if price.IsZero() {
		return nil, x402.Errorf(x402.ErrCodeConfiguration, "tool %s has no price", toolID)
	}

	now := g.now()
	expiresAt := now.Add(g.ttl)

	var (
		pr  *x402.PaymentRequired
		err error
	)
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		var nonce string
		nonce, err = g.newNonce()
		if err != nil {
			return nil, err
		}
		pr, err = g.build(toolID, price, nonce, expiresAt)
		if err != nil {
			return nil, err
		}
		err = g.ledger.Reserve(ctx, nonce, toolID, now, expiresAt)
		if !errors.Is(err, ledger.ErrNonceExists) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reserve nonce: %w", err)
	}
	return pr, nil
}

// build assembles the challenge for nonce and checks it is well-formed x402
// before anything is reserved.
func (g *Generator) build(toolID string, price x402.Price, nonce string, expiresAt time.Time) (*x402.PaymentRequired, error) {
	accepts, err := g.accepts(toolID, price, nonce)
	if err != nil {
		return nil, err
	}
	pr := &x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       "payment required",
		Resource:    &x402.ResourceInfo{URL: g.resourceURL(toolID)},
		Accepts:     accepts,
		Nonce:       nonce,
		ExpiresAt:   &expiresAt,
		Facilitator: g.facilitatorURL,
	}
	if err := validation.ValidatePaymentRequired(*pr); err != nil {
		return nil, x402.NewInvocationError(x402.ErrCodeConfiguration,
			fmt.Sprintf("challenge for %s is not valid x402", toolID), err)
	}
	return pr, nil
}

func (g *Generator) accepts(toolID string, price x402.Price, nonce string) ([]x402.PaymentRequirements, error) {
	entries := g.payouts.Entries()
	accepts := make([]x402.PaymentRequirements, 0, len(entries))
	for _, entry := range entries {
		req, err := entry.Requirements(price, nonce, g.maxTimeoutSeconds)
		if err != nil {
			return nil, x402.NewInvocationError(x402.ErrCodeConfiguration,
				fmt.Sprintf("cannot price %s on %s", toolID, entry.Network), err)
		}
		accepts = append(accepts, req)
	}
	return accepts, nil
}
