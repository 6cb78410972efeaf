// Package x402test provides payment fixtures and a scriptable facilitator
// for tests across the module.
package x402test

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/internal/eip3009"
	solutil "github.com/nacorid/x402/internal/solana"
)

// Well-known development keys and addresses. Never use them for real funds.
const (
	PayerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	PayerEVM    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	PayeeEVM    = "0xc9343113c791cB5108112CFADa453Eef89a2E2A2"
	PayeeSVM    = "4VQeAqyPxR9pELndskj38AprNj1btSgtaCrUci8N4Mdg"
)

// ChallengeNonce returns the nonce a wallet signs when answering req.
func ChallengeNonce(t testing.TB, req x402.PaymentRequirements) [32]byte {
	t.Helper()
	var nonce [32]byte
	if s, ok := req.Extra[x402.ExtraNonceKey].(string); ok {
		if raw, err := hexutil.Decode(s); err == nil && len(raw) == len(nonce) {
			copy(nonce[:], raw)
			return nonce
		}
	}
	nonce, err := eip3009.GenerateNonce()
	if err != nil {
		t.Fatal(err)
	}
	return nonce
}

// PayerKey returns the private key of PayerEVM.
func PayerKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(PayerKeyHex)
	if err != nil {
		t.Fatalf("load payer key: %v", err)
	}
	return key
}

// EVMPayment signs a transferWithAuthorization of value answering req, the
// way an x402 client wallet would. The authorization nonce is the challenge
// nonce from req.Extra when it is 32 bytes of hex, random otherwise. The
// payload round-trips through JSON so it has the shape a server decodes off
// the wire.
func EVMPayment(t testing.TB, req x402.PaymentRequirements, value string, now time.Time) x402.PaymentPayload {
	t.Helper()

	nonce := ChallengeNonce(t, req)
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		t.Fatalf("bad value %q", value)
	}
	auth := &eip3009.Authorization{
		From:        common.HexToAddress(PayerEVM),
		To:          common.HexToAddress(req.PayTo),
		Value:       v,
		ValidAfter:  big.NewInt(now.Add(-10 * time.Second).Unix()),
		ValidBefore: big.NewInt(now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second).Unix()),
		Nonce:       nonce,
	}

	chainID, err := x402.GetChainID(req.Network)
	if err != nil {
		t.Fatal(err)
	}
	name, _ := req.Extra["name"].(string)
	version, _ := req.Extra["version"].(string)
	sig, err := eip3009.Sign(PayerKey(t), eip3009.Domain{
		Name:              name,
		Version:           version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.HexToAddress(req.Asset),
	}, auth)
	if err != nil {
		t.Fatal(err)
	}

	payload := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Accepted:    req,
		Payload: x402.EVMPayload{
			Signature: sig,
			Authorization: x402.EVMAuthorization{
				From:        auth.From.Hex(),
				To:          auth.To.Hex(),
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       common.BytesToHash(auth.Nonce[:]).Hex(),
			},
		},
	}
	return roundTrip(t, payload)
}

// SVMPayment builds a Solana payment answering req with a placeholder
// transaction. The gateway cannot decode it and defers to the facilitator.
func SVMPayment(t testing.TB, req x402.PaymentRequirements) x402.PaymentPayload {
	t.Helper()
	return roundTrip(t, x402.PaymentPayload{
		X402Version: x402.X402Version,
		Accepted:    req,
		Payload:     x402.SVMPayload{Transaction: "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
	})
}

// SVMTransferPayment builds a Solana payment whose transaction transfers
// amount of req.Asset from a fresh wallet to recipient's token account.
func SVMTransferPayment(t testing.TB, req x402.PaymentRequirements, amount uint64, recipient string) x402.PaymentPayload {
	t.Helper()
	wallet := solana.NewWallet()
	owner := wallet.PublicKey()
	mint := solana.MustPublicKeyFromBase58(req.Asset)

	source, err := solutil.DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		t.Fatal(err)
	}
	dest, err := solutil.DeriveAssociatedTokenAddress(solana.MustPublicKeyFromBase58(recipient), mint)
	if err != nil {
		t.Fatal(err)
	}
	feePayer := owner
	if fp, ok := req.Extra["feePayer"].(string); ok {
		feePayer = solana.MustPublicKeyFromBase58(fp)
	}

	computeLimit := solana.NewInstruction(
		solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111"),
		solana.AccountMetaSlice{},
		[]byte{2, 0x40, 0x0d, 0x03, 0x00},
	)
	transfer := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(6).
		SetSourceAccount(source).
		SetDestinationAccount(dest).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{computeLimit, transfer},
		solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn"),
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &wallet.PrivateKey
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	return roundTrip(t, x402.PaymentPayload{
		X402Version: x402.X402Version,
		Accepted:    req,
		Payload:     x402.SVMPayload{Transaction: base64.StdEncoding.EncodeToString(raw)},
	})
}

// Accept returns the entry of pr for network.
func Accept(t testing.TB, pr *x402.PaymentRequired, network string) x402.PaymentRequirements {
	t.Helper()
	for _, a := range pr.Accepts {
		if a.Network == network {
			return a
		}
	}
	t.Fatalf("challenge has no option for %s", network)
	return x402.PaymentRequirements{}
}

func roundTrip(t testing.TB, p x402.PaymentPayload) x402.PaymentPayload {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var out x402.PaymentPayload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

// Facilitator is a scriptable in-memory facilitator. By default it accepts
// every payment and settles with a transaction hash derived from the call
// count.
type Facilitator struct {
	VerifyFunc func(x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error)
	SettleFunc func(x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error)

	// SettleDelay is slept before settling.
	SettleDelay time.Duration

	verifyCalls atomic.Int32
	settleCalls atomic.Int32

	mu      sync.Mutex
	settled []x402.PaymentRequirements
}

func (f *Facilitator) Verify(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	f.verifyCalls.Add(1)
	if f.VerifyFunc != nil {
		return f.VerifyFunc(p, r)
	}
	return &x402.VerifyResponse{IsValid: true, Payer: PayerEVM}, nil
}

func (f *Facilitator) Settle(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.SettleResponse, error) {
	n := f.settleCalls.Add(1)
	if f.SettleDelay > 0 {
		select {
		case <-time.After(f.SettleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.settled = append(f.settled, r)
	f.mu.Unlock()
	if f.SettleFunc != nil {
		return f.SettleFunc(p, r)
	}
	return &x402.SettleResponse{
		Success:     true,
		Transaction: "0xtx" + big.NewInt(int64(n)).String(),
		Network:     r.Network,
		Payer:       PayerEVM,
	}, nil
}

func (f *Facilitator) Supported(context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{
		Kinds: []x402.SupportedKind{
			{X402Version: x402.X402Version, Scheme: x402.SchemeExact, Network: x402.NetworkBaseSepolia},
			{X402Version: x402.X402Version, Scheme: x402.SchemeExact, Network: x402.NetworkSolanaDevnet,
				Extra: map[string]interface{}{"feePayer": "2wKupLR9q6wXYppw8Gr2NvWxKBUqm4PPJKkQfoxHDBg4"}},
		},
	}, nil
}

// VerifyCalls returns how many times Verify ran.
func (f *Facilitator) VerifyCalls() int { return int(f.verifyCalls.Load()) }

// SettleCalls returns how many times Settle ran.
func (f *Facilitator) SettleCalls() int { return int(f.settleCalls.Load()) }

// Settled returns the requirements of every settle call.
func (f *Facilitator) Settled() []x402.PaymentRequirements {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]x402.PaymentRequirements(nil), f.settled...)
}
