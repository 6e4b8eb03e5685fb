package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrTransactionNotFound is returned by a TransactionFetcher when the
// signature is unknown to the cluster after the confirmation wait.
var ErrTransactionNotFound = errors.New("transaction not found")

// Instruction is a top-level instruction of a confirmed transaction with
// its program and account references resolved to public keys.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

// ConfirmedTransaction is the slice of a confirmed transaction the
// verifier needs: balance movements and resolved instructions.
type ConfirmedTransaction struct {
	// Failed reports whether the transaction executed with an error.
	Failed bool

	// AccountKeys lists the transaction's accounts, static keys first,
	// then lookup-table loaded addresses in writable/readonly order.
	AccountKeys []solana.PublicKey

	// PreBalances and PostBalances are lamport balances parallel to
	// AccountKeys.
	PreBalances  []uint64
	PostBalances []uint64

	// Instructions are the resolved top-level instructions.
	Instructions []Instruction
}

// TransactionFetcher retrieves a confirmed transaction by signature.
// Implementations wait for confirmation; a signature the cluster never
// confirms yields ErrTransactionNotFound.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, signature solana.Signature) (*ConfirmedTransaction, error)
}

// rpcFetcher fetches transactions over JSON-RPC, polling until the
// transaction reaches confirmed commitment.
type rpcFetcher struct {
	client       *rpc.Client
	pollInterval time.Duration
	maxAttempts  int
}

// NewRPCFetcher returns a TransactionFetcher backed by the given RPC
// endpoint. It polls for up to maxAttempts at pollInterval before
// reporting ErrTransactionNotFound.
func NewRPCFetcher(rpcURL string, pollInterval time.Duration, maxAttempts int) TransactionFetcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &rpcFetcher{
		client:       rpc.New(rpcURL),
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

func (f *rpcFetcher) FetchTransaction(ctx context.Context, signature solana.Signature) (*ConfirmedTransaction, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.pollInterval):
			}
		}

		out, err := f.client.GetTransaction(ctx, signature, opts)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to fetch transaction: %w", err)
		}
		if out == nil {
			continue
		}
		return convertTransaction(out)
	}
	return nil, ErrTransactionNotFound
}

// convertTransaction flattens an RPC result into a ConfirmedTransaction.
func convertTransaction(out *rpc.GetTransactionResult) (*ConfirmedTransaction, error) {
	if out.Meta == nil {
		return nil, fmt.Errorf("transaction has no metadata")
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, out.Meta.LoadedAddresses.Writable...)
	keys = append(keys, out.Meta.LoadedAddresses.ReadOnly...)

	instructions := make([]Instruction, 0, len(tx.Message.Instructions))
	for _, in := range tx.Message.Instructions {
		if int(in.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("instruction references program index %d beyond %d keys", in.ProgramIDIndex, len(keys))
		}
		accounts := make([]solana.PublicKey, 0, len(in.Accounts))
		for _, idx := range in.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("instruction references account index %d beyond %d keys", idx, len(keys))
			}
			accounts = append(accounts, keys[idx])
		}
		instructions = append(instructions, Instruction{
			ProgramID: keys[in.ProgramIDIndex],
			Accounts:  accounts,
			Data:      in.Data,
		})
	}

	return &ConfirmedTransaction{
		Failed:       out.Meta.Err != nil,
		AccountKeys:  keys,
		PreBalances:  out.Meta.PreBalances,
		PostBalances: out.Meta.PostBalances,
		Instructions: instructions,
	}, nil
}
