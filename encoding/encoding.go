// Package encoding converts x402 wire values to and from the base64 JSON
// form carried in HTTP headers.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nacorid/x402"
)

// EncodePayment renders a payment as an X-PAYMENT header value.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	return encode("payment", payment)
}

// DecodePayment parses an X-PAYMENT header value.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload
	err := decode("payment", encoded, &payment)
	return payment, err
}

// EncodeSettlement renders a settlement as an X-PAYMENT-RESPONSE header value.
func EncodeSettlement(settlement x402.SettleResponse) (string, error) {
	return encode("settlement", settlement)
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(encoded string) (x402.SettleResponse, error) {
	var settlement x402.SettleResponse
	err := decode("settlement", encoded, &settlement)
	return settlement, err
}

// EncodeRequirements renders a challenge for the PAYMENT-REQUIRED header.
func EncodeRequirements(requirements x402.PaymentRequired) (string, error) {
	return encode("requirements", requirements)
}

func encode(what string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decode accepts standard and URL-safe base64, padded or not, since clients
// differ in which alphabet they emit.
func decode(what, encoded string, v interface{}) error {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return fmt.Errorf("%w: empty %s", x402.ErrMalformedPayment, what)
	}

	var (
		data []byte
		err  error
	)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if data, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: failed to decode base64: %v", x402.ErrMalformedPayment, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: failed to unmarshal %s: %v", x402.ErrMalformedPayment, what, err)
	}
	return nil
}
