// Package pricing holds the two read-only tables that drive challenges:
// the per-tool price catalog and the per-network payout table. Both are
// built once at startup and never mutated.
package pricing

import (
	"fmt"
	"sort"

	"github.com/nacorid/x402"
)

// Catalog maps tool names to their per-invocation price.
type Catalog struct {
	prices map[string]x402.Price
}

// NewCatalog copies prices into an immutable catalog. Every price must be
// positive and in USD.
func NewCatalog(prices map[string]x402.Price) (*Catalog, error) {
	c := &Catalog{prices: make(map[string]x402.Price, len(prices))}
	for tool, p := range prices {
		if tool == "" {
			return nil, fmt.Errorf("%w: empty tool name in price catalog", x402.ErrConfiguration)
		}
		if !p.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: price for %q must be positive", x402.ErrConfiguration, tool)
		}
		if p.Currency != x402.CurrencyUSD {
			return nil, fmt.Errorf("%w: price for %q has unsupported currency %q", x402.ErrConfiguration, tool, p.Currency)
		}
		c.prices[tool] = p
	}
	return c, nil
}

// PriceOf returns the configured price of tool. A tool without a price is a
// configuration error, never a free call.
func (c *Catalog) PriceOf(tool string) (x402.Price, error) {
	p, ok := c.prices[tool]
	if !ok || p.IsZero() {
		return x402.Price{}, x402.Errorf(x402.ErrCodeConfiguration, "no price configured for tool %q", tool)
	}
	return p, nil
}

// Tools lists priced tools in name order.
func (c *Catalog) Tools() []string {
	names := make([]string, 0, len(c.prices))
	for name := range c.prices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
