package encoding

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/nacorid/x402"
)

func TestPaymentRoundTrip(t *testing.T) {
	original := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Resource:    &x402.ResourceInfo{URL: "mcp://tools/send_email"},
		Accepted: x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           x402.NetworkBaseSepolia,
			Amount:            "5000",
			Asset:             x402.BaseSepolia.USDCAddress,
			PayTo:             "0xc9343113c791cB5108112CFADa453Eef89a2E2A2",
			MaxTimeoutSeconds: 300,
			Extra:             map[string]interface{}{"nonce": "0xabc"},
		},
		Payload: map[string]interface{}{"signature": "0xabcdef"},
	}

	encoded, err := EncodePayment(original)
	if err != nil {
		t.Fatalf("EncodePayment() error = %v", err)
	}
	decoded, err := DecodePayment(encoded)
	if err != nil {
		t.Fatalf("DecodePayment() error = %v", err)
	}
	if decoded.Accepted.Amount != "5000" || decoded.Accepted.Extra["nonce"] != "0xabc" {
		t.Errorf("decoded accepted = %+v", decoded.Accepted)
	}
	if decoded.Resource == nil || decoded.Resource.URL != original.Resource.URL {
		t.Errorf("decoded resource = %+v", decoded.Resource)
	}
}

func TestDecodePaymentAlphabets(t *testing.T) {
	raw := []byte(`{"x402Version":2,"accepted":{"scheme":"exact","network":"eip155:84532","amount":"1","asset":"a","payTo":"b","maxTimeoutSeconds":0},"payload":{"k":"v?>"}}`)

	for name, enc := range map[string]*base64.Encoding{
		"std":     base64.StdEncoding,
		"raw std": base64.RawStdEncoding,
		"url":     base64.URLEncoding,
		"raw url": base64.RawURLEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			p, err := DecodePayment(enc.EncodeToString(raw))
			if err != nil {
				t.Fatalf("DecodePayment() error = %v", err)
			}
			if p.Accepted.Network != x402.NetworkBaseSepolia {
				t.Errorf("network = %q", p.Accepted.Network)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]string{
		"empty":      "",
		"not base64": "!!!",
		"not json":   base64.StdEncoding.EncodeToString([]byte("hello")),
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodePayment(in); !errors.Is(err, x402.ErrMalformedPayment) {
				t.Errorf("DecodePayment(%q) error = %v, want ErrMalformedPayment", in, err)
			}
		})
	}
}

func TestSettlementAndRequirementsRoundTrip(t *testing.T) {
	s := x402.SettleResponse{Success: true, Transaction: "0xdead", Network: x402.NetworkBaseSepolia}
	enc, err := EncodeSettlement(s)
	if err != nil {
		t.Fatalf("EncodeSettlement() error = %v", err)
	}
	got, err := DecodeSettlement(enc)
	if err != nil || got != s {
		t.Errorf("DecodeSettlement() = %+v, %v", got, err)
	}

	pr := x402.PaymentRequired{X402Version: 2, Nonce: "0x01", Accepts: []x402.PaymentRequirements{{Scheme: "exact"}}}
	enc, err = EncodeRequirements(pr)
	if err != nil {
		t.Fatalf("EncodeRequirements() error = %v", err)
	}
	var back x402.PaymentRequired
	if err := decode("requirements", enc, &back); err != nil || back.Nonce != "0x01" || len(back.Accepts) != 1 {
		t.Errorf("decoded requirements = %+v, %v", back, err)
	}
}
