package tools

import (
	"context"
	"encoding/json"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nacorid/x402/pricing"
)

// PricingTool is the name of the free price listing tool.
const PricingTool = "pricing"

// PriceInfo describes what one priced tool costs.
type PriceInfo struct {
	Tool    string       `json:"tool"`
	Price   string       `json:"price"`
	Accepts []AcceptInfo `json:"accepts"`
}

// AcceptInfo is one network a price can be paid on.
type AcceptInfo struct {
	Network string `json:"network"`
	Asset   string `json:"asset"`
	PayTo   string `json:"payTo"`
}

// Prices lists every priced tool in name order.
func Prices(catalog *pricing.Catalog, payouts *pricing.PayoutTable) []PriceInfo {
	var accepts []AcceptInfo
	for _, e := range payouts.Entries() {
		accepts = append(accepts, AcceptInfo{Network: e.Network, Asset: e.Asset, PayTo: e.Address})
	}

	names := catalog.Tools()
	out := make([]PriceInfo, 0, len(names))
	for _, name := range names {
		price, err := catalog.PriceOf(name)
		if err != nil {
			continue
		}
		out = append(out, PriceInfo{Tool: name, Price: price.String(), Accepts: accepts})
	}
	return out
}

// PricingDefinition is the MCP definition of the pricing tool.
func PricingDefinition() mcpproto.Tool {
	return mcpproto.NewTool(PricingTool,
		mcpproto.WithDescription("List the price of every paid tool and the networks it can be paid on (free)."),
	)
}

// PricingHandler answers the pricing tool.
func PricingHandler(catalog *pricing.Catalog, payouts *pricing.PayoutTable) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		prices := Prices(catalog, payouts)
		data, err := json.Marshal(prices)
		if err != nil {
			return mcpproto.NewToolResultError(err.Error()), nil
		}
		return mcpproto.NewToolResultStructured(map[string]interface{}{"tools": prices}, string(data)), nil
	}
}
