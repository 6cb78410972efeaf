package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/internal/x402test"
	"github.com/nacorid/x402/ledger"
	"github.com/nacorid/x402/pricing"
	"github.com/nacorid/x402/validation"
)

const testFacilitator = "https://facilitator.example.com"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPayouts(t *testing.T) *pricing.PayoutTable {
	t.Helper()
	table, err := pricing.NewPayoutTable(
		pricing.PayoutEntry{Network: "base-sepolia", Address: x402test.PayeeEVM},
		pricing.PayoutEntry{Network: "solana-devnet", Address: x402test.PayeeSVM},
	)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func newTestGenerator(t *testing.T, l ledger.Ledger, opts ...Option) *Generator {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	g, err := NewGenerator(testPayouts(t), l, testFacilitator, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestIssue(t *testing.T) {
	l := ledger.NewMemory()
	g := newTestGenerator(t, l)

	pr, err := g.Issue(context.Background(), "send_email", x402.MustParsePrice("$0.005"))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := validation.ValidatePaymentRequired(*pr); err != nil {
		t.Fatalf("challenge is not valid x402: %v", err)
	}
	if pr.Facilitator != testFacilitator {
		t.Errorf("facilitator = %s", pr.Facilitator)
	}
	if pr.Resource.URL != "mcp://tools/send_email" {
		t.Errorf("resource = %s", pr.Resource.URL)
	}
	if pr.ExpiresAt == nil || !pr.ExpiresAt.Equal(testNow.Add(DefaultTTL)) {
		t.Errorf("expiresAt = %v", pr.ExpiresAt)
	}
	if len(pr.Nonce) != 66 {
		t.Errorf("nonce %q is not 32 bytes of hex", pr.Nonce)
	}

	if len(pr.Accepts) != 2 {
		t.Fatalf("accepts = %d, want one per payout network", len(pr.Accepts))
	}
	want := map[string]string{
		x402.NetworkBaseSepolia:  x402test.PayeeEVM,
		x402.NetworkSolanaDevnet: x402test.PayeeSVM,
	}
	for _, a := range pr.Accepts {
		if a.PayTo != want[a.Network] {
			t.Errorf("%s payTo = %s, want %s", a.Network, a.PayTo, want[a.Network])
		}
		if a.Amount != "5000" {
			t.Errorf("%s amount = %s, want 5000", a.Network, a.Amount)
		}
		if a.Extra[x402.ExtraNonceKey] != pr.Nonce {
			t.Errorf("%s nonce = %v, want %s", a.Network, a.Extra[x402.ExtraNonceKey], pr.Nonce)
		}
	}

	rec, err := l.Get(context.Background(), pr.Nonce)
	if err != nil {
		t.Fatalf("nonce not reserved: %v", err)
	}
	if rec.State != ledger.StateChallenged || rec.ToolID != "send_email" || !rec.ExpiresAt.Equal(*pr.ExpiresAt) {
		t.Errorf("record = %+v", rec)
	}
}

func TestIssue_UniqueNonces(t *testing.T) {
	g := newTestGenerator(t, ledger.NewMemory())
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		pr, err := g.Issue(context.Background(), "send_email", x402.MustParsePrice("$0.005"))
		if err != nil {
			t.Fatal(err)
		}
		if seen[pr.Nonce] {
			t.Fatalf("nonce %s issued twice", pr.Nonce)
		}
		seen[pr.Nonce] = true
	}
}

func TestIssue_RetriesCollision(t *testing.T) {
	l := ledger.NewMemory()
	g := newTestGenerator(t, l)

	nonces := []string{"0xaa", "0xaa", "0xbb"}
	g.newNonce = func() (string, error) {
		n := nonces[0]
		nonces = nonces[1:]
		return n, nil
	}
	price := x402.MustParsePrice("$0.01")

	first, err := g.Issue(context.Background(), "a", price)
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.Issue(context.Background(), "b", price)
	if err != nil {
		t.Fatal(err)
	}
	if first.Nonce != "0xaa" || second.Nonce != "0xbb" {
		t.Errorf("nonces = %s, %s", first.Nonce, second.Nonce)
	}
}

type failingLedger struct{ ledger.Ledger }

func (failingLedger) Reserve(context.Context, string, string, time.Time, time.Time) error {
	return errors.New("store down")
}

func TestIssue_ReserveFailure(t *testing.T) {
	g := newTestGenerator(t, failingLedger{ledger.NewMemory()})
	pr, err := g.Issue(context.Background(), "send_email", x402.MustParsePrice("$0.005"))
	if err == nil || pr != nil {
		t.Fatalf("Issue = %v, %v; want no challenge without a reservation", pr, err)
	}
}

func TestIssue_Configuration(t *testing.T) {
	l := ledger.NewMemory()
	g := newTestGenerator(t, l)

	_, err := g.Issue(context.Background(), "free", x402.Price{})
	if !errors.Is(err, x402.ErrConfiguration) {
		t.Errorf("zero price error = %v", err)
	}

	_, err = g.Issue(context.Background(), "dust", x402.MustParsePrice("$0.0000001"))
	if !errors.Is(err, x402.ErrConfiguration) {
		t.Errorf("sub-unit price error = %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("ledger holds %d records after failed issues", l.Len())
	}

	if _, err := NewGenerator(nil, l, testFacilitator); !errors.Is(err, x402.ErrConfiguration) {
		t.Errorf("nil payouts error = %v", err)
	}
	if _, err := NewGenerator(testPayouts(t), l, ""); !errors.Is(err, x402.ErrConfiguration) {
		t.Errorf("empty facilitator error = %v", err)
	}
}

func TestIssue_RejectsMalformedChallenge(t *testing.T) {
	l := ledger.NewMemory()
	g := newTestGenerator(t, l, WithResourceURL(func(string) string { return "" }))

	pr, err := g.Issue(context.Background(), "send_email", x402.MustParsePrice("$0.005"))
	if pr != nil || x402.CodeOf(err) != x402.ErrCodeConfiguration {
		t.Fatalf("Issue = %v, %v; want a configuration error", pr, err)
	}
	if l.Len() != 0 {
		t.Errorf("ledger holds %d records for a challenge that was never sent", l.Len())
	}
}

func TestIssue_Options(t *testing.T) {
	g := newTestGenerator(t, ledger.NewMemory(),
		WithTTL(time.Minute),
		WithMaxTimeoutSeconds(60),
		WithResourceURL(func(tool string) string { return "https://gw.example.com/tools/" + tool }),
	)
	pr, err := g.Issue(context.Background(), "send_email", x402.MustParsePrice("$1"))
	if err != nil {
		t.Fatal(err)
	}
	if !pr.ExpiresAt.Equal(testNow.Add(time.Minute)) || g.TTL() != time.Minute {
		t.Errorf("expiresAt = %v", pr.ExpiresAt)
	}
	if pr.Accepts[0].MaxTimeoutSeconds != 60 {
		t.Errorf("maxTimeoutSeconds = %d", pr.Accepts[0].MaxTimeoutSeconds)
	}
	if pr.Resource.URL != "https://gw.example.com/tools/send_email" {
		t.Errorf("resource = %s", pr.Resource.URL)
	}
}
