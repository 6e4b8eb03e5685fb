// Package solanautil holds the Solana chain helpers used by the exact
// payment scheme: associated token account derivation and decoding of
// SPL token transfer instructions.
package solanautil

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SPL token program instruction tags.
const (
	tagTransfer        = 3
	tagTransferChecked = 12
)

// TokenTransfer is a decoded SPL transfer or transferChecked instruction.
type TokenTransfer struct {
	// Destination is the receiving token account.
	Destination solana.PublicKey

	// Mint is the token mint. Only transferChecked carries it; for plain
	// transfer it is the zero value.
	Mint solana.PublicKey

	// HasMint reports whether Mint is meaningful.
	HasMint bool

	// Amount is the transferred amount in atomic units.
	Amount uint64
}

// DecodeTokenTransfer decodes an SPL token instruction if it is a
// transfer (tag 3) or transferChecked (tag 12). The boolean is false for
// any other instruction.
//
// Account layouts:
//
//	transfer:        [source, destination, owner, ...]
//	transferChecked: [source, mint, destination, owner, ...]
func DecodeTokenTransfer(accounts []solana.PublicKey, data []byte) (TokenTransfer, bool, error) {
	if len(data) < 9 {
		return TokenTransfer{}, false, nil
	}
	amount := binary.LittleEndian.Uint64(data[1:9])

	switch data[0] {
	case tagTransfer:
		if len(accounts) < 3 {
			return TokenTransfer{}, false, fmt.Errorf("transfer instruction has %d accounts, want at least 3", len(accounts))
		}
		return TokenTransfer{Destination: accounts[1], Amount: amount}, true, nil
	case tagTransferChecked:
		if len(accounts) < 4 {
			return TokenTransfer{}, false, fmt.Errorf("transferChecked instruction has %d accounts, want at least 4", len(accounts))
		}
		return TokenTransfer{Destination: accounts[2], Mint: accounts[1], HasMint: true, Amount: amount}, true, nil
	default:
		return TokenTransfer{}, false, nil
	}
}

// AssociatedTokenAddress derives the associated token account of owner
// for mint.
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token address: %w", err)
	}
	return ata, nil
}

// IsTokenProgram reports whether program is the SPL token program or the
// Token-2022 program.
func IsTokenProgram(program solana.PublicKey) bool {
	return program.Equals(solana.TokenProgramID) || program.Equals(solana.Token2022ProgramID)
}
