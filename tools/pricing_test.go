package tools

import (
	"context"
	"testing"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/internal/x402test"
	"github.com/nacorid/x402/pricing"
)

func testPricing(t *testing.T) (*pricing.Catalog, *pricing.PayoutTable) {
	t.Helper()
	catalog, err := pricing.NewCatalog(map[string]x402.Price{
		"send_email": x402.MustParsePrice("$0.005"),
		"search":     x402.MustParsePrice("$0.01"),
	})
	if err != nil {
		t.Fatal(err)
	}
	payouts, err := pricing.NewPayoutTable(
		pricing.PayoutEntry{Network: "base-sepolia", Address: x402test.PayeeEVM},
		pricing.PayoutEntry{Network: "solana-devnet", Address: x402test.PayeeSVM},
	)
	if err != nil {
		t.Fatal(err)
	}
	return catalog, payouts
}

func TestPrices(t *testing.T) {
	prices := Prices(testPricing(t))
	if len(prices) != 2 {
		t.Fatalf("got %d prices, want 2", len(prices))
	}
	if prices[0].Tool != "search" || prices[1].Tool != "send_email" {
		t.Errorf("order = %s, %s", prices[0].Tool, prices[1].Tool)
	}
	if prices[1].Price != x402.MustParsePrice("$0.005").String() {
		t.Errorf("price = %s", prices[1].Price)
	}
	if len(prices[0].Accepts) != 2 || prices[0].Accepts[0].PayTo != x402test.PayeeEVM {
		t.Errorf("accepts = %+v", prices[0].Accepts)
	}
}

func TestPricingHandler(t *testing.T) {
	handler := PricingHandler(testPricing(t))
	res, err := handler(context.Background(), mcpproto.CallToolRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("result is an error: %+v", res)
	}
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	text, ok := res.Content[0].(mcpproto.TextContent)
	if !ok || text.Text == "" {
		t.Errorf("content[0] = %#v", res.Content[0])
	}
	if PricingDefinition().Name != PricingTool {
		t.Error("definition name mismatch")
	}
}
