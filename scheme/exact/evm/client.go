package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/internal/eip3009"
)

// Client builds exact-scheme EVM payments. Payload shape is chosen per
// requirement: native payments broadcast a transfer and prove it with a
// signAndSendTransaction payload; tokens that implement ERC-3009 yield a
// gasless authorization payload; any other token falls back to a
// broadcast ERC-20 transfer.
type Client struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	networks *h402.Networks

	authTTLSeconds int

	mu         sync.Mutex
	clients    map[string]ChainClient
	tokenNames map[common.Address]string
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithClientChain injects a ChainClient for a networkId.
func WithClientChain(networkID string, client ChainClient) ClientOption {
	return func(c *Client) error {
		c.clients[networkID] = client
		return nil
	}
}

// WithClientTokenName pins a token's EIP-712 domain name.
func WithClientTokenName(tokenAddress, name string) ClientOption {
	return func(c *Client) error {
		c.tokenNames[common.HexToAddress(tokenAddress)] = name
		return nil
	}
}

// WithAuthorizationTTL sets how long created authorizations stay valid.
func WithAuthorizationTTL(seconds int) ClientOption {
	return func(c *Client) error {
		if seconds <= 0 {
			return fmt.Errorf("authorization TTL must be positive")
		}
		c.authTTLSeconds = seconds
		return nil
	}
}

// NewClient creates a payment client from a hex-encoded private key.
func NewClient(hexKey string, networks *h402.Networks, opts ...ClientOption) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", h402.ErrInvalidKey, err)
	}
	c := &Client{
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		networks:       networks,
		authTTLSeconds: 300,
		clients:        make(map[string]ChainClient),
		tokenNames:     make(map[common.Address]string),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Address returns the client's account address.
func (c *Client) Address() common.Address {
	return c.address
}

// CreatePayment pays the requirement and returns the payment payload.
func (c *Client) CreatePayment(ctx context.Context, req *h402.PaymentRequirements) (*h402.PaymentPayload, error) {
	if req.Scheme != h402.SchemeExact || req.Namespace != h402.NamespaceEVM {
		return nil, fmt.Errorf("%w: %s/%s", h402.ErrUnsupportedScheme, req.Scheme, req.Namespace)
	}

	amount, err := req.AtomicAmount()
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", h402.ErrInvalidAmount, amount)
	}

	client, chainID, err := c.client(req.NetworkID)
	if err != nil {
		return nil, err
	}

	if req.TokenAddress == h402.EVMNativeAsset {
		return c.broadcastPayment(ctx, client, chainID, req, common.HexToAddress(req.PayToAddress), amount, nil)
	}

	token := common.HexToAddress(req.TokenAddress)
	gasless, err := supportsTransferWithAuthorization(ctx, client, token)
	if err != nil {
		return nil, err
	}
	if gasless {
		return c.authorizationPayment(ctx, client, chainID, req, token, amount)
	}

	calldata, err := tokenABI.Pack("transfer", common.HexToAddress(req.PayToAddress), amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return c.broadcastPayment(ctx, client, chainID, req, token, big.NewInt(0), calldata)
}

// authorizationPayment signs an ERC-3009 authorization without touching
// the chain beyond the domain-name lookup.
func (c *Client) authorizationPayment(ctx context.Context, client ChainClient, chainID int64, req *h402.PaymentRequirements, token common.Address, amount *big.Int) (*h402.PaymentPayload, error) {
	payTo := common.HexToAddress(req.PayToAddress)
	auth, err := eip3009.CreateAuthorization(c.address, payTo, amount, c.authTTLSeconds)
	if err != nil {
		return nil, err
	}

	name, err := c.tokenName(ctx, client, token)
	if err != nil {
		return nil, err
	}
	const domainVersion = "1"
	sig, err := eip3009.SignAuthorization(c.key, token, big.NewInt(chainID), auth, name, domainVersion)
	if err != nil {
		return nil, err
	}

	value := new(h402.BigInt)
	value.Set(auth.Value)
	validAfter := new(h402.BigInt)
	validAfter.Set(auth.ValidAfter)
	validBefore := new(h402.BigInt)
	validBefore.Set(auth.ValidBefore)

	return &h402.PaymentPayload{
		H402Version: h402.H402Version,
		Scheme:      h402.SchemeExact,
		Namespace:   h402.NamespaceEVM,
		NetworkID:   req.NetworkID,
		Resource:    req.Resource,
		Payload: &h402.EVMAuthorizationPayload{
			Type:      h402.PayloadTypeAuthorization,
			Signature: sig,
			Authorization: h402.EVMAuthorization{
				From:        c.address.Hex(),
				To:          payTo.Hex(),
				Value:       value,
				ValidAfter:  validAfter,
				ValidBefore: validBefore,
				Nonce:       "0x" + hex.EncodeToString(auth.Nonce[:]),
				Version:     domainVersion,
			},
		},
	}, nil
}

// broadcastPayment signs and sends a transaction (native transfer when
// calldata is nil, contract call otherwise) and returns a
// signAndSendTransaction payload binding it to the resource.
func (c *Client) broadcastPayment(ctx context.Context, client ChainClient, chainID int64, req *h402.PaymentRequirements, to common.Address, value *big.Int, calldata []byte) (*h402.PaymentPayload, error) {
	nonce, err := client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, Value: value, Data: calldata})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	signedMessage, err := c.signResource(req.Resource)
	if err != nil {
		return nil, err
	}
	return &h402.PaymentPayload{
		H402Version: h402.H402Version,
		Scheme:      h402.SchemeExact,
		Namespace:   h402.NamespaceEVM,
		NetworkID:   req.NetworkID,
		Resource:    req.Resource,
		Payload: &h402.EVMSignAndSendPayload{
			Type:            h402.PayloadTypeSignAndSend,
			TransactionHash: signed.Hash().Hex(),
			SignedMessage:   signedMessage,
		},
	}, nil
}

// signResource personal-signs the resource identifier, binding the
// broadcast transaction to this payment.
func (c *Client) signResource(resource string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(resource)), c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign resource: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

func (c *Client) tokenName(ctx context.Context, client ChainClient, token common.Address) (string, error) {
	c.mu.Lock()
	if name, ok := c.tokenNames[token]; ok {
		c.mu.Unlock()
		return name, nil
	}
	c.mu.Unlock()

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: packNameCall()}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read token name: %w", err)
	}
	name, err := unpackNameResult(out)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tokenNames[token] = name
	c.mu.Unlock()
	return name, nil
}

func (c *Client) client(networkID string) (ChainClient, int64, error) {
	net, err := c.networks.EVMByID(networkID)
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[networkID]; ok {
		return cl, net.ChainID, nil
	}
	cl, err := ethclient.Dial(net.RPCURL)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to dial %s: %w", net.Name, err)
	}
	c.clients[networkID] = cl
	return cl, net.ChainID, nil
}
