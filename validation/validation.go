// Package validation checks the externally supplied pieces of an invocation:
// payout addresses, atomic amounts, CAIP-2 networks and payment payloads.
package validation

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/nacorid/x402"
)

// caip2Regex matches CAIP-2 network identifiers (namespace:reference).
var caip2Regex = regexp.MustCompile(`^[a-z0-9]+:[a-zA-Z0-9]+$`)

// ValidateAmount validates that amount is a non-negative base-10 integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative, got: %s", amount)
	}
	return nil
}

// ValidateNetwork validates a CAIP-2 network identifier.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("network cannot be empty")
	}
	if !caip2Regex.MatchString(network) {
		return fmt.Errorf("invalid CAIP-2 network format: %s (expected namespace:reference)", network)
	}
	_, err := x402.ValidateNetwork(network)
	return err
}

// ValidateAddress validates address for the VM family of network. EVM
// addresses must be 0x-prefixed 20-byte hex; Solana addresses must decode to
// a 32-byte ed25519 public key.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case x402.NetworkTypeEVM:
		if len(address) != 42 || !common.IsHexAddress(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil
	case x402.NetworkTypeSVM:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("invalid Solana address %s: %w", address, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported network type for address validation: %s", networkType)
	}
}

// SameAddress compares two addresses the way their network does: EVM
// addresses case-insensitively, Solana addresses exactly.
func SameAddress(a, b, network string) bool {
	typ, err := x402.ValidateNetwork(network)
	if err == nil && typ == x402.NetworkTypeEVM {
		if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
			return false
		}
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return a == b
}

// ValidateResourceInfo validates a ResourceInfo structure.
func ValidateResourceInfo(resource x402.ResourceInfo) error {
	if resource.URL == "" {
		return fmt.Errorf("resource URL cannot be empty")
	}
	if _, err := url.Parse(resource.URL); err != nil {
		return fmt.Errorf("invalid resource URL: %w", err)
	}
	return nil
}

// ValidatePaymentRequirements validates one accepts entry of a challenge.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	if err := ValidateAmount(req.Amount); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}
	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}
	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: payTo %w", err)
	}
	if req.Asset == "" {
		return fmt.Errorf("invalid requirements: asset address cannot be empty")
	}
	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: asset %w", err)
	}

	switch req.Scheme {
	case x402.SchemeExact:
	case "":
		return fmt.Errorf("invalid requirements: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirements: unsupported scheme %s", req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirements: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}
	return nil
}

// ValidatePaymentPayload validates the structure of a caller's payment
// before any of its content is interpreted.
func ValidatePaymentPayload(payload x402.PaymentPayload) error {
	if payload.X402Version != x402.X402Version {
		return fmt.Errorf("%w: %d (expected %d)", x402.ErrUnsupportedVersion, payload.X402Version, x402.X402Version)
	}
	if payload.Accepted.Scheme == "" {
		return fmt.Errorf("accepted scheme cannot be empty")
	}
	if payload.Accepted.Scheme != x402.SchemeExact {
		return fmt.Errorf("%w: %s", x402.ErrUnsupportedScheme, payload.Accepted.Scheme)
	}
	if payload.Accepted.Network == "" {
		return fmt.Errorf("accepted network cannot be empty")
	}
	if _, err := x402.ValidateNetwork(payload.Accepted.Network); err != nil {
		return fmt.Errorf("invalid accepted network: %w", err)
	}
	if payload.Payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}
	if payload.Resource != nil {
		if err := ValidateResourceInfo(*payload.Resource); err != nil {
			return fmt.Errorf("invalid resource: %w", err)
		}
	}
	return nil
}

// ValidatePaymentRequired validates a complete challenge.
func ValidatePaymentRequired(pr x402.PaymentRequired) error {
	if pr.X402Version != x402.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", pr.X402Version, x402.X402Version)
	}
	if pr.Resource != nil {
		if err := ValidateResourceInfo(*pr.Resource); err != nil {
			return fmt.Errorf("invalid payment required: %w", err)
		}
	}
	if len(pr.Accepts) == 0 {
		return fmt.Errorf("invalid payment required: accepts cannot be empty")
	}
	for i, req := range pr.Accepts {
		if err := ValidatePaymentRequirements(req); err != nil {
			return fmt.Errorf("invalid payment required: accepts[%d] %w", i, err)
		}
	}
	return nil
}
