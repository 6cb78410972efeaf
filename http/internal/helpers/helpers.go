// Package helpers holds the x402 header and body codecs shared by the HTTP
// tool server and its gin adapter.
package helpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/encoding"
)

// Header names of the x402 HTTP binding.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
	PaymentRequiredHeader = "PAYMENT-REQUIRED"
)

// ErrNilReceipt is returned when receipt is nil in AddPaymentResponseHeader.
var ErrNilReceipt = errors.New("receipt is nil")

// ParsePaymentHeader decodes the X-PAYMENT header. It returns nil, nil
// when the header is absent. Decoding failures are PAYMENT_INVALID.
func ParsePaymentHeader(r *http.Request) (*x402.PaymentPayload, error) {
	paymentHeader := r.Header.Get(PaymentHeader)
	if paymentHeader == "" {
		return nil, nil
	}

	payment, err := encoding.DecodePayment(paymentHeader)
	if err != nil {
		return nil, x402.NewInvocationError(x402.ErrCodePaymentInvalid, "failed to decode payment header", err)
	}
	if payment.X402Version != x402.X402Version {
		return nil, x402.NewInvocationError(x402.ErrCodePaymentInvalid, "unsupported x402 version", x402.ErrUnsupportedVersion)
	}
	return &payment, nil
}

// SendPaymentRequired writes a 402 response carrying the challenge in both
// the JSON body and the PAYMENT-REQUIRED header.
func SendPaymentRequired(w http.ResponseWriter, challenge *x402.PaymentRequired) error {
	encoded, err := encoding.EncodeRequirements(*challenge)
	if err != nil {
		return fmt.Errorf("encoding PaymentRequired header: %w", err)
	}
	w.Header().Set(PaymentRequiredHeader, encoded)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(challenge); err != nil {
		return fmt.Errorf("encoding PaymentRequired response: %w", err)
	}
	return nil
}

// AddPaymentResponseHeader sets X-PAYMENT-RESPONSE from a settlement receipt.
func AddPaymentResponseHeader(w http.ResponseWriter, receipt *x402.Receipt) error {
	if receipt == nil {
		return fmt.Errorf("AddPaymentResponseHeader: %w", ErrNilReceipt)
	}
	encoded, err := encoding.EncodeSettlement(receipt.SettleResponse())
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(PaymentResponseHeader, encoded)
	return nil
}

// BuildResourceURL constructs the full URL of the requested resource.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.Path
}
