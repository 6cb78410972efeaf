package facilitator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/internal/eip3009"
	"github.com/nacorid/x402/internal/solana"
	"github.com/nacorid/x402/validation"
)

// ParseProof extracts the fields the gateway checks locally from a caller's
// payment. The nonce comes from the echoed requirements; for EVM payments
// nonce, amount, payer and recipient come from the signed authorization
// rather than from the caller's echo, and an echoed nonce that differs from
// the signed one is rejected.
func ParseProof(payload x402.PaymentPayload) (x402.PaymentProof, error) {
	if err := validation.ValidatePaymentPayload(payload); err != nil {
		return x402.PaymentProof{}, malformed(err)
	}

	proof := x402.PaymentProof{
		Network: payload.Accepted.Network,
		PayTo:   payload.Accepted.PayTo,
		Asset:   payload.Accepted.Asset,
		Payload: payload,
	}
	if nonce, ok := payload.Accepted.Extra[x402.ExtraNonceKey].(string); ok {
		proof.Nonce = nonce
	}
	if proof.Nonce == "" {
		return x402.PaymentProof{}, x402.NewInvocationError(x402.ErrCodePaymentInvalid,
			"payment does not reference a challenge nonce", x402.ErrMalformedPayment)
	}

	typ, _ := x402.ValidateNetwork(proof.Network)
	switch typ {
	case x402.NetworkTypeEVM:
		evm, err := DecodeEVMPayload(payload)
		if err != nil {
			return x402.PaymentProof{}, malformed(err)
		}
		auth, err := eip3009.Parse(evm.Authorization)
		if err != nil {
			return x402.PaymentProof{}, malformed(err)
		}
		signed := hexutil.Encode(auth.Nonce[:])
		if !strings.EqualFold(proof.Nonce, signed) {
			return x402.PaymentProof{}, x402.NewInvocationError(x402.ErrCodePaymentInvalid,
				"payment authorization nonce does not match the challenge nonce", x402.ErrMalformedPayment)
		}
		proof.Nonce = signed
		proof.Amount = auth.Value
		proof.Payer = auth.From.Hex()
		proof.PayTo = auth.To.Hex()
	default:
		amount, err := x402.ParseAtomic(payload.Accepted.Amount)
		if err != nil {
			return x402.PaymentProof{}, malformed(err)
		}
		proof.Amount = amount
		if typ == x402.NetworkTypeSVM {
			applySVMTransfer(&proof, payload)
		}
	}
	return proof, nil
}

// applySVMTransfer replaces the echoed amount, recipient and asset with the
// values of the transaction's TransferChecked. Transactions the gateway
// cannot decode are left to the facilitator.
func applySVMTransfer(proof *x402.PaymentProof, payload x402.PaymentPayload) {
	svm, err := DecodeSVMPayload(payload)
	if err != nil {
		return
	}
	transfer, err := solana.DecodeTransfer(svm.Transaction)
	if err != nil {
		return
	}
	proof.Amount = new(big.Int).SetUint64(transfer.Amount)
	proof.Payer = transfer.Owner.String()
	proof.Asset = transfer.Mint.String()
	if !transfer.PaysTo(proof.PayTo) {
		proof.PayTo = transfer.Destination.String()
	}
}

// DecodeSVMPayload converts the generic JSON payload into an SVMPayload.
func DecodeSVMPayload(payload x402.PaymentPayload) (x402.SVMPayload, error) {
	var svm x402.SVMPayload
	switch p := payload.Payload.(type) {
	case x402.SVMPayload:
		svm = p
	case *x402.SVMPayload:
		if p == nil {
			return svm, fmt.Errorf("%w: nil svm payload", x402.ErrMalformedPayment)
		}
		svm = *p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return svm, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
		}
		if err := json.Unmarshal(data, &svm); err != nil {
			return svm, fmt.Errorf("%w: svm payload: %v", x402.ErrMalformedPayment, err)
		}
	}
	if svm.Transaction == "" {
		return svm, fmt.Errorf("%w: svm payload has no transaction", x402.ErrMalformedPayment)
	}
	return svm, nil
}

// DecodeEVMPayload converts the generic JSON payload into an EVMPayload.
func DecodeEVMPayload(payload x402.PaymentPayload) (x402.EVMPayload, error) {
	var evm x402.EVMPayload
	switch p := payload.Payload.(type) {
	case x402.EVMPayload:
		evm = p
	case *x402.EVMPayload:
		if p == nil {
			return evm, fmt.Errorf("%w: nil evm payload", x402.ErrMalformedPayment)
		}
		evm = *p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return evm, fmt.Errorf("%w: %v", x402.ErrMalformedPayment, err)
		}
		if err := json.Unmarshal(data, &evm); err != nil {
			return evm, fmt.Errorf("%w: evm payload: %v", x402.ErrMalformedPayment, err)
		}
	}
	if evm.Signature == "" {
		return evm, fmt.Errorf("%w: evm payload has no signature", x402.ErrMalformedPayment)
	}
	return evm, nil
}

func malformed(err error) *x402.InvocationError {
	return x402.NewInvocationError(x402.ErrCodePaymentInvalid, "malformed payment", err)
}
