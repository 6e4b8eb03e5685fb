// Package solana implements the exact payment scheme for Solana: payment
// verification against confirmed transactions, settlement, and client-side
// payload construction for native SOL and SPL token transfers.
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/internal/solanautil"
)

// Handler verifies and settles exact-scheme Solana payments. Every payload
// shape resolves to a transaction signature that is checked on-chain;
// settlement never broadcasts anything, so verification and settlement
// coincide.
type Handler struct {
	networks *h402.Networks
	log      *slog.Logger

	pollInterval time.Duration
	maxAttempts  int

	mu       sync.Mutex
	fetchers map[string]TransactionFetcher
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithFetcher injects a TransactionFetcher for a networkId, replacing the
// default RPC-backed one. Used for testing and custom RPC providers.
func WithFetcher(networkID string, f TransactionFetcher) HandlerOption {
	return func(h *Handler) {
		h.fetchers[networkID] = f
	}
}

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// WithConfirmationWait tunes how long the default fetchers poll for a
// transaction to reach confirmed commitment.
func WithConfirmationWait(pollInterval time.Duration, maxAttempts int) HandlerOption {
	return func(h *Handler) {
		h.pollInterval = pollInterval
		h.maxAttempts = maxAttempts
	}
}

// NewHandler creates a Handler over the given network registry.
func NewHandler(networks *h402.Networks, opts ...HandlerOption) *Handler {
	h := &Handler{
		networks:     networks,
		log:          slog.Default(),
		pollInterval: 2 * time.Second,
		maxAttempts:  10,
		fetchers:     make(map[string]TransactionFetcher),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Scheme returns the scheme identifier this handler serves.
func (h *Handler) Scheme() string { return h402.SchemeExact }

// Namespace returns the namespace this handler serves.
func (h *Handler) Namespace() string { return h402.NamespaceSolana }

func (h *Handler) fetcher(networkID string) (TransactionFetcher, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.fetchers[networkID]; ok {
		return f, nil
	}
	net, err := h.networks.SolanaByID(networkID)
	if err != nil {
		return nil, err
	}
	f := NewRPCFetcher(net.RPCURL, h.pollInterval, h.maxAttempts)
	h.fetchers[networkID] = f
	return f, nil
}

// invalid builds a rejection response. Rejections are results, not Go
// errors; errors are reserved for infrastructure failures.
func invalid(msg string) (h402.VerifyResponse, error) {
	return h402.VerifyResponse{IsValid: false, ErrorMessage: msg}, nil
}

// Verify checks that the payload's transaction is confirmed on-chain and
// pays at least the required amount to the requirement's recipient.
func (h *Handler) Verify(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	sig, resp, ok := h.resolveSignature(payload)
	if !ok {
		return resp, nil
	}

	// The requirement decides which cluster the proof is checked against.
	// Trusting the payload here would let a transaction confirmed on a
	// cheaper cluster satisfy a mainnet requirement.
	fetcher, err := h.fetcher(req.NetworkID)
	if err != nil {
		if errors.Is(err, h402.ErrUnsupportedNetwork) {
			return invalid(fmt.Sprintf("Unsupported network: %s", req.NetworkID))
		}
		return h402.VerifyResponse{}, err
	}

	tx, err := fetcher.FetchTransaction(ctx, sig)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return invalid("Transaction not found")
		}
		return h402.VerifyResponse{}, fmt.Errorf("solana verify: %w", err)
	}
	if tx.Failed {
		return invalid("Transaction failed or not confirmed")
	}

	required, err := req.AtomicAmount()
	if err != nil {
		return h402.VerifyResponse{}, err
	}

	payTo, err := solana.PublicKeyFromBase58(req.PayToAddress)
	if err != nil {
		return h402.VerifyResponse{}, fmt.Errorf("invalid payTo address: %w", err)
	}

	var paid *big.Int
	if req.TokenAddress == h402.SolanaNativeAsset {
		paid = nativeAmountPaid(tx, payTo)
	} else {
		mint, err := solana.PublicKeyFromBase58(req.TokenAddress)
		if err != nil {
			return h402.VerifyResponse{}, fmt.Errorf("invalid token mint: %w", err)
		}
		paid, err = tokenAmountPaid(tx, payTo, mint)
		if err != nil {
			return h402.VerifyResponse{}, err
		}
	}

	if paid.Cmp(required) < 0 {
		h.log.Debug("solana payment below requirement",
			"signature", sig.String(), "required", required.String(), "paid", paid.String())
		return invalid(fmt.Sprintf("Insufficient payment: required %s, got %s", required, paid))
	}

	var payer string
	if len(tx.AccountKeys) > 0 {
		payer = tx.AccountKeys[0].String()
	}
	return h402.VerifyResponse{
		IsValid: true,
		TxHash:  sig.String(),
		Type:    h402.VerifyTypeTransaction,
		Payer:   payer,
	}, nil
}

// Settle confirms the already-broadcast payment. Solana payloads always
// reference an on-chain transaction, so settlement is a re-verification.
func (h *Handler) Settle(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.SettleResponse, error) {
	verify, err := h.Verify(ctx, payload, req)
	if err != nil {
		return h402.SettleResponse{}, err
	}
	return h402.SettleResponse{
		Success:      verify.IsValid,
		TxHash:       verify.TxHash,
		NetworkID:    req.NetworkID,
		ErrorMessage: verify.ErrorMessage,
	}, nil
}

// resolveSignature extracts the on-chain transaction signature from any
// payload shape. Shapes that cannot resolve return a rejection response.
func (h *Handler) resolveSignature(payload *h402.PaymentPayload) (solana.Signature, h402.VerifyResponse, bool) {
	reject := func(msg string) (solana.Signature, h402.VerifyResponse, bool) {
		return solana.Signature{}, h402.VerifyResponse{IsValid: false, ErrorMessage: msg}, false
	}

	switch p := payload.Payload.(type) {
	case *h402.SolanaTransferPayload:
		sig, err := solana.SignatureFromBase58(p.Signature)
		if err != nil {
			return reject("Invalid transaction signature")
		}
		return sig, h402.VerifyResponse{}, true

	case *h402.SolanaSignAndSendPayload:
		if p.Signature != p.Transaction.Signature {
			return reject("Signature mismatch between payload and transaction")
		}
		sig, err := solana.SignatureFromBase58(p.Signature)
		if err != nil {
			return reject("Invalid transaction signature")
		}
		return sig, h402.VerifyResponse{}, true

	case *h402.SolanaSignTransactionPayload:
		// Prefer decoding the transaction blob; a bare signature string is
		// accepted as a fallback for wallets that return one directly.
		if tx, err := solana.TransactionFromBase64(p.SignedTransaction); err == nil && len(tx.Signatures) > 0 {
			return tx.Signatures[0], h402.VerifyResponse{}, true
		}
		sig, err := solana.SignatureFromBase58(p.SignedTransaction)
		if err != nil {
			return reject("Invalid signed transaction")
		}
		return sig, h402.VerifyResponse{}, true

	case *h402.SolanaSignMessagePayload:
		return reject("SignMessage payloads cannot be verified as transactions")

	default:
		return reject(fmt.Sprintf("Unsupported payload type: %s", payload.Payload.PayloadType()))
	}
}

// nativeAmountPaid sums the lamport balance increases of every account
// entry matching payTo. Duplicated account keys each contribute once.
func nativeAmountPaid(tx *ConfirmedTransaction, payTo solana.PublicKey) *big.Int {
	paid := new(big.Int)
	for i, key := range tx.AccountKeys {
		if !key.Equals(payTo) {
			continue
		}
		if i >= len(tx.PreBalances) || i >= len(tx.PostBalances) {
			continue
		}
		if tx.PostBalances[i] > tx.PreBalances[i] {
			delta := new(big.Int).SetUint64(tx.PostBalances[i] - tx.PreBalances[i])
			paid.Add(paid, delta)
		}
	}
	return paid
}

// tokenAmountPaid sums SPL transfers into payTo's associated token
// account for the given mint. A transferChecked naming a different mint
// is ignored rather than rejected, since unrelated instructions may share
// the transaction.
func tokenAmountPaid(tx *ConfirmedTransaction, payTo, mint solana.PublicKey) (*big.Int, error) {
	ata, err := solanautil.AssociatedTokenAddress(payTo, mint)
	if err != nil {
		return nil, err
	}

	paid := new(big.Int)
	for _, in := range tx.Instructions {
		if !solanautil.IsTokenProgram(in.ProgramID) {
			continue
		}
		transfer, ok, err := solanautil.DecodeTokenTransfer(in.Accounts, in.Data)
		if err != nil {
			return nil, fmt.Errorf("malformed token instruction: %w", err)
		}
		if !ok {
			continue
		}
		if transfer.HasMint && !transfer.Mint.Equals(mint) {
			continue
		}
		if !transfer.Destination.Equals(ata) {
			continue
		}
		paid.Add(paid, new(big.Int).SetUint64(transfer.Amount))
	}
	return paid, nil
}
