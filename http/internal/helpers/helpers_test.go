package helpers

import (
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/encoding"
)

func TestParsePaymentHeader(t *testing.T) {
	payload := x402.PaymentPayload{
		X402Version: 2,
		Accepted: x402.PaymentRequirements{
			Scheme:  "exact",
			Network: "eip155:84532",
			Amount:  "10000",
		},
	}
	encoded, err := encoding.EncodePayment(payload)
	if err != nil {
		t.Fatalf("Failed to encode payment: %v", err)
	}

	req := httptest.NewRequest("POST", "/tools/send_email", nil)
	req.Header.Set("X-PAYMENT", encoded)

	parsed, err := ParsePaymentHeader(req)
	if err != nil {
		t.Fatalf("Failed to parse payment header: %v", err)
	}
	if parsed.Accepted.Network != "eip155:84532" || parsed.Accepted.Amount != "10000" {
		t.Errorf("parsed = %+v", parsed.Accepted)
	}
}

func TestParsePaymentHeader_MissingHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/tools/send_email", nil)
	parsed, err := ParsePaymentHeader(req)
	if parsed != nil || err != nil {
		t.Errorf("ParsePaymentHeader = %v, %v; want nil, nil", parsed, err)
	}
}

func TestParsePaymentHeader_Invalid(t *testing.T) {
	v1, _ := encoding.EncodePayment(x402.PaymentPayload{X402Version: 1})

	tests := []struct {
		name   string
		header string
	}{
		{name: "invalid base64", header: "not-valid-base64!!!"},
		{name: "not json", header: "bm90IGpzb24="},
		{name: "wrong version", header: v1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/tools/send_email", nil)
			req.Header.Set("X-PAYMENT", tt.header)
			_, err := ParsePaymentHeader(req)
			if x402.CodeOf(err) != x402.ErrCodePaymentInvalid {
				t.Errorf("error = %v, want PAYMENT_INVALID", err)
			}
		})
	}
}

func TestSendPaymentRequired(t *testing.T) {
	w := httptest.NewRecorder()
	challenge := &x402.PaymentRequired{
		X402Version: 2,
		Error:       "payment required",
		Resource:    &x402.ResourceInfo{URL: "https://example.com/tools/send_email"},
		Accepts: []x402.PaymentRequirements{{
			Scheme:            "exact",
			Network:           "eip155:84532",
			Amount:            "5000",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			MaxTimeoutSeconds: 300,
			Extra:             map[string]interface{}{"nonce": "0xabc"},
		}},
		Nonce: "0xabc",
	}

	if err := SendPaymentRequired(w, challenge); err != nil {
		t.Fatalf("SendPaymentRequired: %v", err)
	}
	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	var body x402.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Nonce != "0xabc" || body.Accepts[0].Amount != "5000" {
		t.Errorf("body = %+v", body)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Header.Get("PAYMENT-REQUIRED"))
	if err != nil {
		t.Fatalf("PAYMENT-REQUIRED header: %v", err)
	}
	var header x402.PaymentRequired
	if err := json.Unmarshal(raw, &header); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if header.Nonce != body.Nonce || len(header.Accepts) != 1 || header.Accepts[0].PayTo != body.Accepts[0].PayTo {
		t.Errorf("header = %+v, want the body's challenge", header)
	}
}

func TestAddPaymentResponseHeader(t *testing.T) {
	w := httptest.NewRecorder()
	receipt := &x402.Receipt{
		ID:        "0x1234567890abcdef",
		Amount:    "5000",
		Network:   "eip155:84532",
		Payer:     "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		SettledAt: time.Now(),
	}
	if err := AddPaymentResponseHeader(w, receipt); err != nil {
		t.Fatalf("AddPaymentResponseHeader: %v", err)
	}

	settlement, err := encoding.DecodeSettlement(w.Header().Get("X-PAYMENT-RESPONSE"))
	if err != nil {
		t.Fatalf("header did not decode: %v", err)
	}
	if !settlement.Success || settlement.Transaction != receipt.ID || settlement.Network != receipt.Network || settlement.Payer != receipt.Payer {
		t.Errorf("settlement = %+v", settlement)
	}

	if err := AddPaymentResponseHeader(httptest.NewRecorder(), nil); !errors.Is(err, ErrNilReceipt) {
		t.Errorf("nil receipt error = %v", err)
	}
}

func TestBuildResourceURL(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		uri      string
		tls      bool
		proto    string
		expected string
	}{
		{name: "HTTP request", host: "example.com", uri: "/tools/send_email", expected: "http://example.com/tools/send_email"},
		{name: "HTTPS request", host: "example.com", uri: "/tools/send_email", tls: true, expected: "https://example.com/tools/send_email"},
		{name: "With port", host: "example.com:8080", uri: "/tools/a", expected: "http://example.com:8080/tools/a"},
		{name: "Query dropped", host: "example.com", uri: "/tools/a?x=1", expected: "http://example.com/tools/a"},
		{name: "Behind proxy", host: "gw.example.com", uri: "/tools/a", proto: "https", expected: "https://gw.example.com/tools/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.uri, nil)
			req.Host = tt.host
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			if got := BuildResourceURL(req); got != tt.expected {
				t.Errorf("BuildResourceURL = %s, want %s", got, tt.expected)
			}
		})
	}
}
