package facilitator

import (
	"errors"
	"strings"
	"testing"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/internal/x402test"
)

func TestParseProof_EVM(t *testing.T) {
	req := requirementsFor(t, testPayouts(t), x402.NetworkBaseSepolia)
	proof, err := ParseProof(x402test.EVMPayment(t, req, "7500", testNow))
	if err != nil {
		t.Fatalf("ParseProof: %v", err)
	}
	if proof.Nonce != testNonce {
		t.Errorf("nonce = %s, want the signed challenge nonce", proof.Nonce)
	}
	if proof.Amount.String() != "7500" {
		t.Errorf("amount = %s, want the signed value", proof.Amount)
	}
	if proof.Payer != x402test.PayerEVM {
		t.Errorf("payer = %s", proof.Payer)
	}
	if proof.Network != x402.NetworkBaseSepolia || proof.Asset != req.Asset {
		t.Errorf("network/asset = %s/%s", proof.Network, proof.Asset)
	}
}

func TestParseProof_SVM(t *testing.T) {
	req := requirementsFor(t, testPayouts(t), x402.NetworkSolanaDevnet)
	proof, err := ParseProof(x402test.SVMPayment(t, req))
	if err != nil {
		t.Fatalf("ParseProof: %v", err)
	}
	if proof.Amount.String() != req.Amount || proof.PayTo != x402test.PayeeSVM {
		t.Errorf("proof = %+v", proof)
	}
}

func TestParseProof_Rejects(t *testing.T) {
	req := requirementsFor(t, testPayouts(t), x402.NetworkBaseSepolia)

	tests := []struct {
		name   string
		mutate func(p *x402.PaymentPayload)
	}{
		{name: "v1 payload", mutate: func(p *x402.PaymentPayload) { p.X402Version = 1 }},
		{name: "unknown scheme", mutate: func(p *x402.PaymentPayload) { p.Accepted.Scheme = "upto" }},
		{name: "unknown network", mutate: func(p *x402.PaymentPayload) { p.Accepted.Network = "cosmos:cosmoshub-4" }},
		{name: "no nonce", mutate: func(p *x402.PaymentPayload) { delete(p.Accepted.Extra, x402.ExtraNonceKey) }},
		{name: "no signature", mutate: func(p *x402.PaymentPayload) {
			p.Payload.(map[string]interface{})["signature"] = ""
		}},
		{name: "bad authorization nonce", mutate: func(p *x402.PaymentPayload) {
			p.Payload.(map[string]interface{})["authorization"].(map[string]interface{})["nonce"] = "0x01"
		}},
		{name: "nil payload", mutate: func(p *x402.PaymentPayload) { p.Payload = nil }},
		{name: "echoed nonce differs from signed nonce", mutate: func(p *x402.PaymentPayload) {
			p.Accepted.Extra[x402.ExtraNonceKey] = "0x" + strings.Repeat("ab", 32)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := x402test.EVMPayment(t, req, "5000", testNow)
			tt.mutate(&p)
			_, err := ParseProof(p)
			if !errors.Is(err, x402.ErrPaymentInvalid) {
				t.Errorf("error = %v, want PaymentInvalid", err)
			}
		})
	}
}

func TestDecodeEVMPayload_Typed(t *testing.T) {
	typed := x402.PaymentPayload{Payload: &x402.EVMPayload{Signature: "0xabc"}}
	if evm, err := DecodeEVMPayload(typed); err != nil || evm.Signature != "0xabc" {
		t.Errorf("pointer payload: %v %+v", err, evm)
	}
	var nilPayload *x402.EVMPayload
	if _, err := DecodeEVMPayload(x402.PaymentPayload{Payload: nilPayload}); !errors.Is(err, x402.ErrMalformedPayment) {
		t.Errorf("nil pointer error = %v", err)
	}
	if _, err := DecodeEVMPayload(x402.PaymentPayload{Payload: x402.EVMPayload{}}); !errors.Is(err, x402.ErrMalformedPayment) {
		t.Errorf("unsigned payload error = %v", err)
	}
}

func TestParseProof_SVMTransfer(t *testing.T) {
	req := requirementsFor(t, testPayouts(t), x402.NetworkSolanaDevnet)

	proof, err := ParseProof(x402test.SVMTransferPayment(t, req, 4000, x402test.PayeeSVM))
	if err != nil {
		t.Fatalf("ParseProof: %v", err)
	}
	if proof.Amount.String() != "4000" {
		t.Errorf("amount = %s, want the transferred amount", proof.Amount)
	}
	if proof.PayTo != x402test.PayeeSVM || proof.Asset != req.Asset {
		t.Errorf("payTo/asset = %s/%s", proof.PayTo, proof.Asset)
	}
	if proof.Payer == "" {
		t.Error("payer not taken from the transfer owner")
	}

	other := "EwWqGE4ZFKLofuestmU4LDdK7XM1N4ALgdZccwYugwGd"
	proof, err = ParseProof(x402test.SVMTransferPayment(t, req, 5000, other))
	if err != nil {
		t.Fatalf("ParseProof: %v", err)
	}
	if proof.PayTo == x402test.PayeeSVM {
		t.Error("transfer to another wallet reported as paying the payee")
	}
}
