// Package solana inspects exact-scheme Solana payment transactions.
package solana

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// transferCheckedDiscriminator tags an SPL Token TransferChecked instruction.
const transferCheckedDiscriminator = 12

var (
	// ErrNoTransfer is returned when a transaction carries no TransferChecked.
	ErrNoTransfer = errors.New("solana: transaction has no TransferChecked instruction")

	// ErrMultipleTransfers is returned when a transaction carries more than one.
	ErrMultipleTransfers = errors.New("solana: transaction has more than one TransferChecked instruction")
)

// Transfer is the TransferChecked instruction of a payment transaction.
type Transfer struct {
	Source      solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Owner       solana.PublicKey
	Amount      uint64
	Decimals    uint8
}

// DecodeTransfer finds the single SPL Token TransferChecked instruction in
// a base64 transaction. Only static account keys are resolved; transactions
// that load accounts from lookup tables fail to decode.
func DecodeTransfer(txBase64 string) (*Transfer, error) {
	var tx solana.Transaction
	if err := tx.UnmarshalBase64(txBase64); err != nil {
		return nil, fmt.Errorf("solana: decode transaction: %w", err)
	}

	keys := tx.Message.AccountKeys
	var found *Transfer
	for i, inst := range tx.Message.Instructions {
		programID, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("solana: instruction %d: %w", i, err)
		}
		if !programID.Equals(solana.TokenProgramID) {
			continue
		}
		if len(inst.Data) != 10 || inst.Data[0] != transferCheckedDiscriminator {
			continue
		}
		if len(inst.Accounts) < 4 {
			return nil, fmt.Errorf("solana: instruction %d: TransferChecked has %d accounts", i, len(inst.Accounts))
		}
		var accounts [4]solana.PublicKey
		for j := range accounts {
			idx := int(inst.Accounts[j])
			if idx >= len(keys) {
				return nil, fmt.Errorf("solana: instruction %d: account index %d out of range", i, idx)
			}
			accounts[j] = keys[idx]
		}
		if found != nil {
			return nil, ErrMultipleTransfers
		}
		found = &Transfer{
			Source:      accounts[0],
			Mint:        accounts[1],
			Destination: accounts[2],
			Owner:       accounts[3],
			Amount:      binary.LittleEndian.Uint64(inst.Data[1:9]),
			Decimals:    inst.Data[9],
		}
	}
	if found == nil {
		return nil, ErrNoTransfer
	}
	return found, nil
}

// PaysTo reports whether the transfer credits owner's associated token
// account for the transfer's mint.
func (t *Transfer) PaysTo(owner string) bool {
	pk, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return false
	}
	ata, err := DeriveAssociatedTokenAddress(pk, t.Mint)
	if err != nil {
		return false
	}
	return ata.Equals(t.Destination)
}

// DeriveAssociatedTokenAddress derives an Associated Token Account (ATA) address.
func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}
