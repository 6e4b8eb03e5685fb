package solana

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/internal/solanautil"
)

// RPCClient is the interface for the Solana RPC operations the payment
// client needs. *rpc.Client satisfies it; tests inject fakes.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// Client builds, signs and broadcasts exact-scheme Solana payments,
// producing the PaymentPayload a resource server expects.
type Client struct {
	key      solana.PrivateKey
	networks *h402.Networks
	rpc      RPCClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRPCClient injects a custom RPC client.
func WithRPCClient(rpcClient RPCClient) ClientOption {
	return func(c *Client) {
		c.rpc = rpcClient
	}
}

// NewClient creates a payment client from a base58-encoded private key.
func NewClient(privateKeyBase58 string, networks *h402.Networks, opts ...ClientOption) (*Client, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, h402.ErrInvalidKey
	}
	return NewClientFromKey(key, networks, opts...), nil
}

// NewClientFromKey creates a payment client from an existing private key.
func NewClientFromKey(key solana.PrivateKey, networks *h402.Networks, opts ...ClientOption) *Client {
	c := &Client{key: key, networks: networks}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the client's public key.
func (c *Client) Address() solana.PublicKey {
	return c.key.PublicKey()
}

// CreatePayment pays the requirement and returns the payment payload
// carrying the broadcast transaction's signature. Native requirements
// produce a nativeTransfer payload, token requirements a tokenTransfer
// payload with the mint set for requirement matching.
func (c *Client) CreatePayment(ctx context.Context, req *h402.PaymentRequirements) (*h402.PaymentPayload, error) {
	if req.Scheme != h402.SchemeExact || req.Namespace != h402.NamespaceSolana {
		return nil, fmt.Errorf("%w: %s/%s", h402.ErrUnsupportedScheme, req.Scheme, req.Namespace)
	}

	amount, err := req.AtomicAmount()
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 || !amount.IsUint64() {
		return nil, fmt.Errorf("%w: %s", h402.ErrInvalidAmount, amount)
	}

	payTo, err := solana.PublicKeyFromBase58(req.PayToAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	rpcClient, err := c.rpcFor(req.NetworkID)
	if err != nil {
		return nil, err
	}

	var (
		instruction solana.Instruction
		mint        string
	)
	if req.TokenAddress == h402.SolanaNativeAsset {
		instruction = system.NewTransferInstruction(amount.Uint64(), c.key.PublicKey(), payTo).Build()
	} else {
		mintKey, err := solana.PublicKeyFromBase58(req.TokenAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid token mint: %w", err)
		}
		instruction, err = c.tokenTransferInstruction(mintKey, payTo, amount.Uint64())
		if err != nil {
			return nil, err
		}
		mint = req.TokenAddress
	}

	recent, err := rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(c.key.PublicKey()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.key.PublicKey()) {
			return &c.key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	payloadType := h402.PayloadTypeNativeTransfer
	if mint != "" {
		payloadType = h402.PayloadTypeTokenTransfer
	}
	return &h402.PaymentPayload{
		H402Version: h402.H402Version,
		Scheme:      h402.SchemeExact,
		Namespace:   h402.NamespaceSolana,
		NetworkID:   req.NetworkID,
		Resource:    req.Resource,
		Payload: &h402.SolanaTransferPayload{
			Type:      payloadType,
			Signature: sig.String(),
			Mint:      mint,
		},
	}, nil
}

// tokenTransferInstruction builds an SPL transfer from the client's
// associated token account into the recipient's. Both accounts must
// already exist.
func (c *Client) tokenTransferInstruction(mint, payTo solana.PublicKey, amount uint64) (solana.Instruction, error) {
	source, err := solanautil.AssociatedTokenAddress(c.key.PublicKey(), mint)
	if err != nil {
		return nil, err
	}
	dest, err := solanautil.AssociatedTokenAddress(payTo, mint)
	if err != nil {
		return nil, err
	}
	return token.NewTransferInstruction(amount, source, dest, c.key.PublicKey(), nil).Build(), nil
}

func (c *Client) rpcFor(networkID string) (RPCClient, error) {
	if c.rpc != nil {
		return c.rpc, nil
	}
	net, err := c.networks.SolanaByID(networkID)
	if err != nil {
		return nil, err
	}
	return rpc.New(net.RPCURL), nil
}
