// Package eip3009 decodes and checks USDC transferWithAuthorization
// payloads (EIP-3009 over EIP-712 typed data).
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/nacorid/x402"
)

// ErrSignatureMismatch is returned when a signature was not produced by the
// authorization's From address.
var ErrSignatureMismatch = errors.New("eip3009: signature does not match authorization signer")

// Authorization is a decoded transferWithAuthorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Domain identifies the token contract an authorization is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// GenerateNonce returns 32 random bytes.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// Parse decodes the wire form of an authorization.
func Parse(a x402.EVMAuthorization) (*Authorization, error) {
	if !common.IsHexAddress(a.From) {
		return nil, fmt.Errorf("%w: invalid from address %q", x402.ErrMalformedPayment, a.From)
	}
	if !common.IsHexAddress(a.To) {
		return nil, fmt.Errorf("%w: invalid to address %q", x402.ErrMalformedPayment, a.To)
	}

	value, err := x402.ParseAtomic(a.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: value: %v", x402.ErrMalformedPayment, err)
	}
	validAfter, err := x402.ParseAtomic(a.ValidAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: validAfter: %v", x402.ErrMalformedPayment, err)
	}
	validBefore, err := x402.ParseAtomic(a.ValidBefore)
	if err != nil {
		return nil, fmt.Errorf("%w: validBefore: %v", x402.ErrMalformedPayment, err)
	}

	raw, err := hexutil.Decode(a.Nonce)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: nonce must be 32 bytes of 0x-prefixed hex", x402.ErrMalformedPayment)
	}
	auth := &Authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
	}
	copy(auth.Nonce[:], raw)
	return auth, nil
}

// ValidAt reports whether now falls inside the authorization window.
func (a *Authorization) ValidAt(now time.Time) bool {
	ts := big.NewInt(now.Unix())
	return a.ValidAfter.Cmp(ts) <= 0 && a.ValidBefore.Cmp(ts) > 0
}

// Digest computes the EIP-712 hash that the payer signs.
func Digest(d Domain, auth *Authorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// Recover returns the address that produced signature over digest.
func Recover(digest []byte, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes of hex", x402.ErrMalformedPayment)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that auth was signed by auth.From for domain d.
func VerifySignature(d Domain, auth *Authorization, signature string) error {
	digest, err := Digest(d, auth)
	if err != nil {
		return err
	}
	signer, err := Recover(digest, signature)
	if err != nil {
		return err
	}
	if signer != auth.From {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrSignatureMismatch, signer.Hex(), auth.From.Hex())
	}
	return nil
}

// Sign produces a payer signature for auth. Payers sign with their own
// wallets; the gateway uses this only to build fixtures.
func Sign(privateKey *ecdsa.PrivateKey, d Domain, auth *Authorization) (string, error) {
	digest, err := Digest(d, auth)
	if err != nil {
		return "", err
	}
	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}
