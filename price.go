package x402

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// CurrencyUSD is the only price currency. One USD is settled as one unit of
// a USD stablecoin (USDC) on every network.
const CurrencyUSD = "USD"

// Price is a tool's cost per invocation.
type Price struct {
	Amount   decimal.Decimal
	Currency string
}

// ParsePrice parses "0.005" or "$0.005" into a USD price. Zero and negative
// prices are rejected.
func ParsePrice(s string) (Price, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "$")
	if raw == "" {
		return Price{}, fmt.Errorf("%w: empty price", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return Price{}, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidAmount, s)
	}
	return Price{Amount: d, Currency: CurrencyUSD}, nil
}

// MustParsePrice is ParsePrice for constants; it panics on bad input.
func MustParsePrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether the price is unset.
func (p Price) IsZero() bool {
	return p.Amount.IsZero()
}

// String renders the price as "$0.005".
func (p Price) String() string {
	return "$" + p.Amount.String()
}

// Atomic converts the price to atomic units of a token with the given
// decimals. Prices finer than the token precision are rejected rather than
// rounded, so a payment can never be accepted for less than the listed price.
func (p Price) Atomic(decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}
	if p.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	scaled := p.Amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, p.Amount, decimals)
	}
	return scaled.BigInt(), nil
}

// ParseAtomic parses a non-negative base-10 atomic amount.
func ParseAtomic(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// FormatAtomic renders an atomic amount as a decimal token amount,
// e.g. 5000 with 6 decimals becomes "0.005".
func FormatAtomic(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, int32(-decimals)).String()
}
