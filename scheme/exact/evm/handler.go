// Package evm implements the exact payment scheme for EVM chains:
// ERC-3009 authorization verification and settlement, on-chain checks for
// client-broadcast transactions, and client-side payment creation.
package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/internal/eip3009"
)

// ChainClient is the slice of the Ethereum JSON-RPC surface the handler
// needs. *ethclient.Client satisfies it; tests inject fakes.
type ChainClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Handler verifies and settles exact-scheme EVM payments. Authorization
// payloads verify offline against their EIP-712 signature and settle by
// broadcasting transferWithAuthorization with the handler's settlement
// key; the broadcast payload shapes verify against chain state.
type Handler struct {
	networks *h402.Networks
	key      *ecdsa.PrivateKey
	log      *slog.Logger

	now            func() time.Time
	receiptTimeout time.Duration
	receiptPoll    time.Duration

	mu         sync.Mutex
	clients    map[string]ChainClient
	tokenNames map[common.Address]string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler) error

// WithSettlementKey sets the hex-encoded private key used to broadcast
// authorization settlements. Without it, Verify works but settling
// authorization payloads fails.
func WithSettlementKey(hexKey string) HandlerOption {
	return func(h *Handler) error {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return fmt.Errorf("%w: %v", h402.ErrInvalidKey, err)
		}
		h.key = key
		return nil
	}
}

// WithChainClient injects a ChainClient for a networkId, replacing the
// default ethclient dial.
func WithChainClient(networkID string, client ChainClient) HandlerOption {
	return func(h *Handler) error {
		h.clients[networkID] = client
		return nil
	}
}

// WithTokenName pins the EIP-712 domain name for a token contract,
// skipping the on-chain name() lookup.
func WithTokenName(tokenAddress, name string) HandlerOption {
	return func(h *Handler) error {
		h.tokenNames[common.HexToAddress(tokenAddress)] = name
		return nil
	}
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) error {
		h.log = log
		return nil
	}
}

// WithClock overrides the time source for authorization validity checks.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) error {
		h.now = now
		return nil
	}
}

// WithReceiptWait tunes how long settlement waits for a broadcast
// transaction to be mined.
func WithReceiptWait(timeout, poll time.Duration) HandlerOption {
	return func(h *Handler) error {
		h.receiptTimeout = timeout
		h.receiptPoll = poll
		return nil
	}
}

// NewHandler creates a Handler over the given network registry.
func NewHandler(networks *h402.Networks, opts ...HandlerOption) (*Handler, error) {
	h := &Handler{
		networks:       networks,
		log:            slog.Default(),
		now:            time.Now,
		receiptTimeout: 90 * time.Second,
		receiptPoll:    3 * time.Second,
		clients:        make(map[string]ChainClient),
		tokenNames:     make(map[common.Address]string),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Scheme returns the scheme identifier this handler serves.
func (h *Handler) Scheme() string { return h402.SchemeExact }

// Namespace returns the namespace this handler serves.
func (h *Handler) Namespace() string { return h402.NamespaceEVM }

func (h *Handler) client(networkID string) (ChainClient, int64, error) {
	net, err := h.networks.EVMByID(networkID)
	if err != nil {
		return nil, 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[networkID]; ok {
		return c, net.ChainID, nil
	}
	c, err := ethclient.Dial(net.RPCURL)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to dial %s: %w", net.Name, err)
	}
	h.clients[networkID] = c
	return c, net.ChainID, nil
}

// Verify checks the payment proof. Authorization payloads are verified
// offline (signature, window, amount, recipient); broadcast payloads are
// verified against the chain.
func (h *Handler) Verify(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	switch p := payload.Payload.(type) {
	case *h402.EVMAuthorizationPayload:
		return h.verifyAuthorization(ctx, p, req)
	case *h402.EVMSignedTransactionPayload:
		return h.verifySignedTransaction(ctx, payload, p, req)
	case *h402.EVMSignAndSendPayload:
		return h.verifyBroadcastHash(ctx, payload, p, req)
	default:
		return invalid(fmt.Sprintf("Unsupported payload type: %s", payload.Payload.PayloadType()))
	}
}

func invalid(msg string) (h402.VerifyResponse, error) {
	return h402.VerifyResponse{IsValid: false, ErrorMessage: msg}, nil
}

func (h *Handler) verifyAuthorization(ctx context.Context, p *h402.EVMAuthorizationPayload, req *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	if req.TokenAddress == h402.EVMNativeAsset {
		return invalid("Authorization payments require a token contract")
	}

	// Chain selection comes from the requirement, never the payload. A
	// payload naming a testnet must not satisfy a mainnet requirement.
	net, err := h.networks.EVMByID(req.NetworkID)
	if err != nil {
		if errors.Is(err, h402.ErrUnsupportedNetwork) {
			return invalid(fmt.Sprintf("Unsupported network: %s", req.NetworkID))
		}
		return h402.VerifyResponse{}, err
	}

	required, err := req.AtomicAmount()
	if err != nil {
		return h402.VerifyResponse{}, err
	}
	a := &p.Authorization
	if a.Value.Cmp(required) < 0 {
		return invalid(fmt.Sprintf("Insufficient payment: required %s, got %s", required, a.Value.String()))
	}
	if !strings.EqualFold(a.To, req.PayToAddress) {
		return invalid("Authorization recipient does not match payTo")
	}

	now := big.NewInt(h.now().Unix())
	if now.Cmp(&a.ValidAfter.Int) < 0 {
		return invalid("Authorization is not yet valid")
	}
	if now.Cmp(&a.ValidBefore.Int) > 0 {
		return invalid("Authorization has expired")
	}

	nonce, err := eip3009.ParseNonce(a.Nonce)
	if err != nil {
		return invalid("Invalid authorization nonce")
	}
	token := common.HexToAddress(req.TokenAddress)
	name, err := h.tokenName(ctx, req.NetworkID, token)
	if err != nil {
		return h402.VerifyResponse{}, err
	}

	auth := &eip3009.Authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       &a.Value.Int,
		ValidAfter:  &a.ValidAfter.Int,
		ValidBefore: &a.ValidBefore.Int,
		Nonce:       nonce,
	}
	signer, err := eip3009.RecoverSigner(token, big.NewInt(net.ChainID), auth, name, a.Version, p.Signature)
	if err != nil {
		return invalid("Invalid authorization signature")
	}
	if signer != common.HexToAddress(a.From) {
		return invalid("Signature does not match the authorization's from address")
	}

	return h402.VerifyResponse{
		IsValid: true,
		Type:    h402.VerifyTypePayload,
		Payer:   a.From,
	}, nil
}

func (h *Handler) verifySignedTransaction(ctx context.Context, payload *h402.PaymentPayload, p *h402.EVMSignedTransactionPayload, req *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(p.SignedTransaction, "0x"))
	if err != nil {
		return invalid("Invalid signed transaction encoding")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return invalid("Invalid signed transaction")
	}

	_, chainID, err := h.client(req.NetworkID)
	if err != nil {
		if errors.Is(err, h402.ErrUnsupportedNetwork) {
			return invalid(fmt.Sprintf("Unsupported network: %s", req.NetworkID))
		}
		return h402.VerifyResponse{}, err
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), tx)
	if err != nil {
		return invalid("Could not recover transaction sender")
	}
	return h.verifyOnChain(ctx, payload, req, tx.Hash(), sender, p.SignedMessage)
}

func (h *Handler) verifyBroadcastHash(ctx context.Context, payload *h402.PaymentPayload, p *h402.EVMSignAndSendPayload, req *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	return h.verifyOnChain(ctx, payload, req, common.HexToHash(p.TransactionHash), common.Address{}, p.SignedMessage)
}

// verifyOnChain confirms the transaction landed successfully and moved at
// least the required amount to payTo, and binds it to the protected
// resource via the signed message. A zero sender means it must be
// recovered from the on-chain transaction.
func (h *Handler) verifyOnChain(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements, txHash common.Hash, sender common.Address, signedMessage string) (h402.VerifyResponse, error) {
	client, chainID, err := h.client(req.NetworkID)
	if err != nil {
		if errors.Is(err, h402.ErrUnsupportedNetwork) {
			return invalid(fmt.Sprintf("Unsupported network: %s", req.NetworkID))
		}
		return h402.VerifyResponse{}, err
	}

	tx, pending, err := client.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return invalid("Transaction not found")
		}
		return h402.VerifyResponse{}, fmt.Errorf("evm verify: %w", err)
	}
	if pending {
		return invalid("Transaction failed or not confirmed")
	}

	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return invalid("Transaction failed or not confirmed")
		}
		return h402.VerifyResponse{}, fmt.Errorf("evm verify: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return invalid("Transaction failed or not confirmed")
	}

	if (sender == common.Address{}) {
		sender, err = types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), tx)
		if err != nil {
			return invalid("Could not recover transaction sender")
		}
	}

	// The signed message binds the transaction to the protected resource,
	// blocking replays of unrelated transfers to the same recipient. With
	// no resource at all there is nothing proving the payer authorized
	// this payment, so the proof is rejected rather than waved through.
	resource := payload.Resource
	if resource == "" {
		resource = req.Resource
	}
	if resource == "" {
		return invalid("Payment is not bound to a resource")
	}
	bindingSigner, err := recoverTextSigner(resource, signedMessage)
	if err != nil || bindingSigner != sender {
		return invalid("Signed message does not match transaction sender")
	}

	required, err := req.AtomicAmount()
	if err != nil {
		return h402.VerifyResponse{}, err
	}

	if req.TokenAddress == h402.EVMNativeAsset {
		if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), req.PayToAddress) {
			return invalid("Transaction recipient does not match payTo")
		}
		if tx.Value().Cmp(required) < 0 {
			return invalid(fmt.Sprintf("Insufficient payment: required %s, got %s", required, tx.Value()))
		}
	} else {
		if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), req.TokenAddress) {
			return invalid("Transaction does not call the required token contract")
		}
		to, value, ok, err := decodeTransferCall(tx.Data())
		if err != nil || !ok {
			return invalid("Transaction is not a token transfer")
		}
		if !strings.EqualFold(to.Hex(), req.PayToAddress) {
			return invalid("Transfer recipient does not match payTo")
		}
		if value.Cmp(required) < 0 {
			return invalid(fmt.Sprintf("Insufficient payment: required %s, got %s", required, value))
		}
	}

	return h402.VerifyResponse{
		IsValid: true,
		TxHash:  txHash.Hex(),
		Type:    h402.VerifyTypeTransaction,
		Payer:   sender.Hex(),
	}, nil
}

// Settle finalizes the payment. Authorization payloads are broadcast as
// transferWithAuthorization with the settlement key; broadcast payloads
// are re-verified.
func (h *Handler) Settle(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.SettleResponse, error) {
	p, ok := payload.Payload.(*h402.EVMAuthorizationPayload)
	if !ok {
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

	if h.key == nil {
		return h402.SettleResponse{}, fmt.Errorf("%w: settlement key not configured", h402.ErrInvalidKey)
	}

	verify, err := h.verifyAuthorization(ctx, p, req)
	if err != nil {
		return h402.SettleResponse{}, err
	}
	if !verify.IsValid {
		return h402.SettleResponse{
			Success:      false,
			NetworkID:    req.NetworkID,
			ErrorMessage: verify.ErrorMessage,
		}, nil
	}

	client, chainID, err := h.client(req.NetworkID)
	if err != nil {
		return h402.SettleResponse{}, err
	}

	a := &p.Authorization
	nonce, err := eip3009.ParseNonce(a.Nonce)
	if err != nil {
		return h402.SettleResponse{}, fmt.Errorf("invalid nonce: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return h402.SettleResponse{}, fmt.Errorf("invalid signature hex: %w", err)
	}

	token := common.HexToAddress(req.TokenAddress)
	calldata, err := packTransferWithAuthorization(
		common.HexToAddress(a.From), common.HexToAddress(a.To),
		&a.Value.Int, &a.ValidAfter.Int, &a.ValidBefore.Int, nonce, sig)
	if err != nil {
		return h402.SettleResponse{}, fmt.Errorf("failed to pack settlement call: %w", err)
	}

	settler := crypto.PubkeyToAddress(h.key.PublicKey)
	txNonce, err := client.PendingNonceAt(ctx, settler)
	if err != nil {
		return h402.SettleResponse{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return h402.SettleResponse{}, fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: settler, To: &token, Data: calldata})
	if err != nil {
		return h402.SettleResponse{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    txNonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &token,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), h.key)
	if err != nil {
		return h402.SettleResponse{}, fmt.Errorf("failed to sign settlement: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return h402.SettleResponse{}, fmt.Errorf("%w: %v", h402.ErrSettlementFailed, err)
	}

	h.log.Info("broadcast settlement", "txHash", signed.Hash().Hex(), "network", req.NetworkID)

	receipt, err := h.waitMined(ctx, client, signed.Hash())
	if err != nil {
		return h402.SettleResponse{}, fmt.Errorf("%w: %v", h402.ErrSettlementFailed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return h402.SettleResponse{
			Success:      false,
			TxHash:       signed.Hash().Hex(),
			NetworkID:    req.NetworkID,
			ErrorMessage: "Settlement transaction reverted",
		}, nil
	}

	return h402.SettleResponse{
		Success:   true,
		TxHash:    signed.Hash().Hex(),
		NetworkID: req.NetworkID,
	}, nil
}

// waitMined polls for the receipt until the transaction is mined or the
// wait times out.
func (h *Handler) waitMined(ctx context.Context, client ChainClient, hash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(h.receiptTimeout)
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for receipt of %s", hash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.receiptPoll):
		}
	}
}

// tokenName resolves the token's EIP-712 domain name, preferring a pinned
// override and falling back to the contract's name().
func (h *Handler) tokenName(ctx context.Context, networkID string, token common.Address) (string, error) {
	h.mu.Lock()
	if name, ok := h.tokenNames[token]; ok {
		h.mu.Unlock()
		return name, nil
	}
	h.mu.Unlock()

	client, _, err := h.client(networkID)
	if err != nil {
		return "", err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: packNameCall()}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read token name: %w", err)
	}
	name, err := unpackNameResult(out)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.tokenNames[token] = name
	h.mu.Unlock()
	return name, nil
}

// TokenMetadata reads symbol() and decimals() from the token contract,
// satisfying h402.MetadataSource for requirement enrichment. The native
// asset resolves from the pinned table instead.
func (h *Handler) TokenMetadata(ctx context.Context, networkID, tokenAddress string) (h402.TokenMetadata, error) {
	if strings.EqualFold(tokenAddress, h402.EVMNativeAsset) {
		return h402.TokenMetadata{}, errors.New("no on-chain metadata for the native asset")
	}
	client, _, err := h.client(networkID)
	if err != nil {
		return h402.TokenMetadata{}, err
	}
	token := common.HexToAddress(tokenAddress)

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: packCall("symbol")}, nil)
	if err != nil {
		return h402.TokenMetadata{}, fmt.Errorf("failed to read token symbol: %w", err)
	}
	symbol, err := unpackStringResult("symbol", out)
	if err != nil {
		return h402.TokenMetadata{}, err
	}

	out, err = client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: packCall("decimals")}, nil)
	if err != nil {
		return h402.TokenMetadata{}, fmt.Errorf("failed to read token decimals: %w", err)
	}
	decimals, err := unpackDecimalsResult(out)
	if err != nil {
		return h402.TokenMetadata{}, err
	}
	return h402.TokenMetadata{Symbol: symbol, Decimals: int(decimals)}, nil
}

// recoverTextSigner recovers the address that personal-signed message.
func recoverTextSigner(message, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// supportsTransferWithAuthorization probes the token's deployed bytecode
// for the ERC-3009 selector. A heuristic, but it matches how wallets pick
// the cheapest payment path.
func supportsTransferWithAuthorization(ctx context.Context, client ChainClient, token common.Address) (bool, error) {
	code, err := client.CodeAt(ctx, token, nil)
	if err != nil {
		return false, fmt.Errorf("failed to read contract code: %w", err)
	}
	return bytes.Contains(code, transferWithAuthzSelector), nil
}
