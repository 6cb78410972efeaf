package pricing

import (
	"fmt"
	"sort"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/validation"
)

// PayoutEntry is where and in which asset the operator is paid on one network.
type PayoutEntry struct {
	// Network is the CAIP-2 identifier.
	Network string

	// Address is the operator's receiving address.
	Address string

	// Asset is the settlement token. Defaults to the network's USDC.
	Asset string

	// Decimals is the asset precision. Defaults to the network's USDC decimals.
	Decimals int

	// Extra is copied into every challenge option for this network
	// (EIP-712 domain name and version, Solana fee payer).
	Extra map[string]interface{}
}

// PayoutTable maps networks to payout entries.
type PayoutTable struct {
	entries map[string]PayoutEntry
	order   []string
}

// NewPayoutTable validates entries and builds an immutable table. Networks
// may be given as CAIP-2 identifiers or v1 names; an address that does not
// match its network's format is a configuration error.
func NewPayoutTable(entries ...PayoutEntry) (*PayoutTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: at least one payout address is required", x402.ErrConfiguration)
	}

	t := &PayoutTable{entries: make(map[string]PayoutEntry, len(entries))}
	for _, e := range entries {
		network, err := x402.NormalizeNetwork(e.Network)
		if err != nil {
			return nil, fmt.Errorf("%w: payout network: %v", x402.ErrConfiguration, err)
		}
		e.Network = network
		if _, dup := t.entries[network]; dup {
			return nil, fmt.Errorf("%w: duplicate payout network %s", x402.ErrConfiguration, network)
		}

		e.Extra = copyExtra(e.Extra)
		if err := fillAsset(&e); err != nil {
			return nil, err
		}
		if err := validation.ValidateAddress(e.Address, network); err != nil {
			return nil, fmt.Errorf("%w: payout address for %s: %v", x402.ErrConfiguration, network, err)
		}
		if err := validation.ValidateAddress(e.Asset, network); err != nil {
			return nil, fmt.Errorf("%w: asset for %s: %v", x402.ErrConfiguration, network, err)
		}

		t.entries[network] = e
		t.order = append(t.order, network)
	}
	sort.Strings(t.order)
	return t, nil
}

func fillAsset(e *PayoutEntry) error {
	chain, chainErr := x402.GetChainConfig(e.Network)
	if e.Asset == "" {
		if chainErr != nil {
			return fmt.Errorf("%w: no default asset for %s; set one explicitly", x402.ErrConfiguration, e.Network)
		}
		e.Asset = chain.USDCAddress
		if e.Decimals == 0 {
			e.Decimals = chain.Decimals
		}
	}
	if e.Decimals <= 0 {
		return fmt.Errorf("%w: decimals for %s must be positive", x402.ErrConfiguration, e.Network)
	}
	if chainErr == nil && chain.EIP712Name != "" && chain.USDCAddress == e.Asset {
		if e.Extra == nil {
			e.Extra = map[string]interface{}{}
		}
		if _, ok := e.Extra["name"]; !ok {
			e.Extra["name"] = chain.EIP712Name
		}
		if _, ok := e.Extra["version"]; !ok {
			e.Extra["version"] = chain.EIP712Version
		}
	}
	return nil
}

func copyExtra(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Lookup returns the entry for network.
func (t *PayoutTable) Lookup(network string) (PayoutEntry, bool) {
	e, ok := t.entries[network]
	if ok {
		e.Extra = copyExtra(e.Extra)
	}
	return e, ok
}

// Networks lists configured networks in sorted order.
func (t *PayoutTable) Networks() []string {
	return append([]string(nil), t.order...)
}

// Entries returns every entry in network order.
func (t *PayoutTable) Entries() []PayoutEntry {
	out := make([]PayoutEntry, 0, len(t.order))
	for _, n := range t.order {
		e, _ := t.Lookup(n)
		out = append(out, e)
	}
	return out
}

// WithExtra returns a new table where extra is merged under each network's
// existing Extra. Existing keys win. It is used to fold facilitator
// capabilities (e.g., a Solana fee payer) into the table at startup.
func (t *PayoutTable) WithExtra(extra map[string]map[string]interface{}) *PayoutTable {
	next := &PayoutTable{entries: make(map[string]PayoutEntry, len(t.entries)), order: t.Networks()}
	for n, e := range t.entries {
		merged := copyExtra(e.Extra)
		for k, v := range extra[n] {
			if merged == nil {
				merged = map[string]interface{}{}
			}
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
		e.Extra = merged
		next.entries[n] = e
	}
	return next
}

// Requirements builds the accepts entry for paying price to e, bound to
// nonce through Extra["nonce"].
func (e PayoutEntry) Requirements(price x402.Price, nonce string, maxTimeoutSeconds int) (x402.PaymentRequirements, error) {
	amount, err := price.Atomic(e.Decimals)
	if err != nil {
		return x402.PaymentRequirements{}, fmt.Errorf("%w: price %s on %s: %v", x402.ErrConfiguration, price, e.Network, err)
	}
	extra := copyExtra(e.Extra)
	if extra == nil {
		extra = make(map[string]interface{}, 1)
	}
	extra[x402.ExtraNonceKey] = nonce

	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           e.Network,
		Amount:            amount.String(),
		Asset:             e.Asset,
		PayTo:             e.Address,
		MaxTimeoutSeconds: maxTimeoutSeconds,
		Extra:             extra,
	}, nil
}
