package h402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Payload type tags. The (namespace, type) pair selects the concrete
// payload variant.
const (
	// EVM payload types.
	PayloadTypeAuthorization     = "authorization"
	PayloadTypeSignedTransaction = "signedTransaction"
	PayloadTypeSignAndSend       = "signAndSendTransaction"

	// Solana payload types. PayloadTypeSignAndSend is shared with EVM.
	PayloadTypeNativeTransfer  = "nativeTransfer"
	PayloadTypeTokenTransfer   = "tokenTransfer"
	PayloadTypeSignTransaction = "signTransaction"
	PayloadTypeSignMessage     = "signMessage"
)

// Amount formats accepted in PaymentRequirements.AmountRequiredFormat.
const (
	// AmountFormatAtomic means AmountRequired is an integer count of the
	// token's smallest unit (wei, lamports). This is the default.
	AmountFormatAtomic = "atomic"

	// AmountFormatHumanReadable means AmountRequired is a decimal amount
	// scaled by TokenDecimals (e.g. "1.5" USDC with 6 decimals).
	AmountFormatHumanReadable = "humanReadable"
)

var (
	decimalIntegerRegexp = regexp.MustCompile(`^-?[0-9]+$`)

	// decimalAmountRegexp admits plain decimal notation only. big.Rat
	// would also accept fractions ("1/3") and exponent forms, which have
	// no place on the wire.
	decimalAmountRegexp = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
)

// BigInt is a big.Int that crosses JSON as a decimal string. Amounts and
// validity timestamps exceed 2^53 and are not safe as JSON numbers, so the
// canonical wire representation is a quoted base-10 string. Decoding also
// tolerates a bare JSON integer but never a float.
type BigInt struct {
	big.Int
}

// NewBigInt returns a BigInt holding i.
func NewBigInt(i int64) *BigInt {
	b := new(BigInt)
	b.SetInt64(i)
	return b
}

// NewBigIntFromString parses a base-10 string into a BigInt.
func NewBigIntFromString(s string) (*BigInt, error) {
	b := new(BigInt)
	if _, ok := b.SetString(s, 10); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return b, nil
}

// MarshalJSON encodes the value as a quoted decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON decodes a quoted decimal string or a bare JSON integer.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) > 1 && s[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: big integer must be a decimal string", ErrMalformedPayload)
		}
	}
	if !decimalIntegerRegexp.MatchString(s) {
		return fmt.Errorf("%w: invalid big integer %q", ErrMalformedPayload, s)
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("%w: invalid big integer %q", ErrMalformedPayload, s)
	}
	return nil
}

// PaymentRequirements is a single acceptance criterion declared by a
// resource server. A route may offer several, one per acceptable
// asset/chain combination; exactly one namespace applies to each.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (currently only "exact").
	Scheme string `json:"scheme"`

	// Namespace is the chain family, "evm" or "solana".
	Namespace string `json:"namespace"`

	// NetworkID is the EVM chain ID in decimal (e.g. "56") or the Solana
	// cluster name (e.g. "solana" for mainnet-beta).
	NetworkID string `json:"networkId"`

	// TokenAddress is the token contract (EVM) or mint (Solana) address,
	// or the native-asset sentinel for the namespace.
	TokenAddress string `json:"tokenAddress"`

	// AmountRequired is the payment amount as a decimal string. It is an
	// atomic-unit integer unless AmountRequiredFormat says otherwise.
	AmountRequired Amount `json:"amountRequired"`

	// AmountRequiredFormat disambiguates AmountRequired: "atomic"
	// (default) or "humanReadable".
	AmountRequiredFormat string `json:"amountRequiredFormat,omitempty"`

	// PayToAddress is the payment recipient.
	PayToAddress string `json:"payToAddress"`

	// Resource identifies the protected resource. It doubles as the
	// anti-replay binding message for EVM broadcast payloads and as the
	// memo context for Solana payments.
	Resource string `json:"resource,omitempty"`

	// TokenDecimals and TokenSymbol are display/enrichment metadata and
	// are never required for verification, except that TokenDecimals
	// scales humanReadable amounts.
	TokenDecimals int    `json:"tokenDecimals,omitempty"`
	TokenSymbol   string `json:"tokenSymbol,omitempty"`
}

// AtomicAmount resolves AmountRequired to an integer atomic-unit amount,
// applying TokenDecimals when the format is humanReadable.
func (r *PaymentRequirements) AtomicAmount() (*big.Int, error) {
	switch r.AmountRequiredFormat {
	case "", AmountFormatAtomic:
		return r.AmountRequired.BigInt()
	case AmountFormatHumanReadable:
		return DecimalToAtomic(string(r.AmountRequired), r.TokenDecimals)
	default:
		return nil, fmt.Errorf("%w: unknown amount format %q", ErrInvalidAmount, r.AmountRequiredFormat)
	}
}

// Amount is a decimal amount string. It accepts either a JSON string or a
// bare JSON number on decode and always encodes as a string.
type Amount string

// MarshalJSON encodes the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// UnmarshalJSON decodes a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) > 1 && s[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: amount must be a decimal string", ErrInvalidAmount)
		}
	}
	if !decimalAmountRegexp.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	*a = Amount(s)
	return nil
}

// BigInt parses the amount as an integer. Decimal fractions are rejected.
func (a Amount) BigInt() (*big.Int, error) {
	if !decimalIntegerRegexp.MatchString(string(a)) {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, string(a))
	}
	v, ok := new(big.Int).SetString(string(a), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, string(a))
	}
	return v, nil
}

// DecimalToAtomic converts a decimal amount string to atomic units.
// For example, "1.5" with 6 decimals becomes 1500000. Negative amounts
// and amounts with more fractional digits than decimals are rejected.
func DecimalToAtomic(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}
	if !decimalAmountRegexp.MatchString(amount) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, amount, decimals)
	}
	return new(big.Int).Set(value.Num()), nil
}

// AtomicToDecimal converts an atomic-unit amount to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func AtomicToDecimal(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)
	return rat.FloatString(decimals)
}

// ExactPayload is implemented by every payload variant of the exact
// scheme. The concrete type is selected by (namespace, payload.type)
// during decoding.
type ExactPayload interface {
	// PayloadType returns the payload's type tag.
	PayloadType() string

	// Validate performs the exhaustive per-variant field check.
	Validate() error
}

// tokenReferencer is implemented by payload variants that embed a token
// reference, letting the requirement matcher prefer the matching asset.
type tokenReferencer interface {
	TokenReference() string
}

// PaymentPayload is the client-produced payment proof.
type PaymentPayload struct {
	// H402Version is the protocol version.
	H402Version int `json:"h402Version"`

	// Scheme is the payment scheme the payload was created for.
	Scheme string `json:"scheme"`

	// Namespace is the chain family of the payload.
	Namespace string `json:"namespace"`

	// NetworkID names the chain or cluster the payment targets.
	NetworkID string `json:"networkId"`

	// Resource echoes the protected resource identifier the payment is
	// bound to.
	Resource string `json:"resource,omitempty"`

	// Payload is the namespace-specific proof variant.
	Payload ExactPayload `json:"payload"`
}

// paymentPayloadWire mirrors PaymentPayload with the variant left raw so
// UnmarshalJSON can dispatch on (namespace, payload.type).
type paymentPayloadWire struct {
	H402Version int             `json:"h402Version"`
	Scheme      string          `json:"scheme"`
	Namespace   string          `json:"namespace"`
	NetworkID   string          `json:"networkId"`
	Resource    string          `json:"resource,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes the tagged union and validates the selected
// variant's fields.
func (p *PaymentPayload) UnmarshalJSON(data []byte) error {
	var wire paymentPayloadWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}

	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(wire.Payload, &tag); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	variant, err := newPayloadVariant(wire.Namespace, tag.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(wire.Payload, variant); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := variant.Validate(); err != nil {
		return err
	}

	p.H402Version = wire.H402Version
	p.Scheme = wire.Scheme
	p.Namespace = wire.Namespace
	p.NetworkID = wire.NetworkID
	p.Resource = wire.Resource
	p.Payload = variant
	return nil
}

// newPayloadVariant returns the zero value of the variant selected by the
// (namespace, type) pair.
func newPayloadVariant(namespace, payloadType string) (ExactPayload, error) {
	switch namespace {
	case NamespaceEVM:
		switch payloadType {
		case PayloadTypeAuthorization:
			return &EVMAuthorizationPayload{}, nil
		case PayloadTypeSignedTransaction:
			return &EVMSignedTransactionPayload{}, nil
		case PayloadTypeSignAndSend:
			return &EVMSignAndSendPayload{}, nil
		}
	case NamespaceSolana:
		switch payloadType {
		case PayloadTypeNativeTransfer, PayloadTypeTokenTransfer:
			return &SolanaTransferPayload{}, nil
		case PayloadTypeSignAndSend:
			return &SolanaSignAndSendPayload{}, nil
		case PayloadTypeSignTransaction:
			return &SolanaSignTransactionPayload{}, nil
		case PayloadTypeSignMessage:
			return &SolanaSignMessagePayload{}, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown namespace %q", ErrMalformedPayload, namespace)
	}
	return nil, fmt.Errorf("%w: unknown payload type %q for namespace %q", ErrMalformedPayload, payloadType, namespace)
}

// EVMAuthorization carries the ERC-3009 transferWithAuthorization
// parameters signed by the payer.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the transfer amount in atomic units.
	Value *BigInt `json:"value"`

	// ValidAfter and ValidBefore bound the authorization's validity as
	// unix timestamps.
	ValidAfter  *BigInt `json:"validAfter"`
	ValidBefore *BigInt `json:"validBefore"`

	// Nonce is a unique 32-byte hex string preventing authorization reuse.
	Nonce string `json:"nonce"`

	// Version is the token's EIP-712 domain version.
	Version string `json:"version"`
}

// EVMAuthorizationPayload is an off-chain signed ERC-3009 transfer.
// Settlement broadcasts it with the facilitator's key.
type EVMAuthorizationPayload struct {
	Type          string           `json:"type"`
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

func (p *EVMAuthorizationPayload) PayloadType() string { return PayloadTypeAuthorization }

func (p *EVMAuthorizationPayload) Validate() error {
	if p.Type != PayloadTypeAuthorization {
		return fmt.Errorf("%w: wrong type tag %q", ErrMalformedPayload, p.Type)
	}
	if !strings.HasPrefix(p.Signature, "0x") {
		return fmt.Errorf("%w: authorization signature must be 0x-prefixed hex", ErrMalformedPayload)
	}
	a := &p.Authorization
	if a.From == "" || a.To == "" {
		return fmt.Errorf("%w: authorization requires from and to", ErrMalformedPayload)
	}
	if a.Value == nil || a.ValidAfter == nil || a.ValidBefore == nil {
		return fmt.Errorf("%w: authorization requires value, validAfter and validBefore", ErrMalformedPayload)
	}
	if !strings.HasPrefix(a.Nonce, "0x") {
		return fmt.Errorf("%w: authorization nonce must be 0x-prefixed hex", ErrMalformedPayload)
	}
	if a.Version == "" {
		return fmt.Errorf("%w: authorization requires a domain version", ErrMalformedPayload)
	}
	return nil
}

// EVMSignedTransactionPayload carries a raw signed transaction the client
// has already broadcast, plus a signature over the resource identifier
// binding the transaction to this payment.
type EVMSignedTransactionPayload struct {
	Type              string `json:"type"`
	SignedTransaction string `json:"signedTransaction"`
	SignedMessage     string `json:"signedMessage"`
}

func (p *EVMSignedTransactionPayload) PayloadType() string { return PayloadTypeSignedTransaction }

func (p *EVMSignedTransactionPayload) Validate() error {
	if p.Type != PayloadTypeSignedTransaction {
		return fmt.Errorf("%w: wrong type tag %q", ErrMalformedPayload, p.Type)
	}
	if p.SignedTransaction == "" {
		return fmt.Errorf("%w: signedTransaction requires raw transaction bytes", ErrMalformedPayload)
	}
	if !strings.HasPrefix(p.SignedMessage, "0x") {
		return fmt.Errorf("%w: signedMessage must be 0x-prefixed hex", ErrMalformedPayload)
	}
	return nil
}

// EVMSignAndSendPayload carries the hash of a transaction the client has
// already broadcast, plus the resource-binding message signature.
type EVMSignAndSendPayload struct {
	Type            string `json:"type"`
	TransactionHash string `json:"transactionHash"`
	SignedMessage   string `json:"signedMessage"`
}

func (p *EVMSignAndSendPayload) PayloadType() string { return PayloadTypeSignAndSend }

func (p *EVMSignAndSendPayload) Validate() error {
	if p.Type != PayloadTypeSignAndSend {
		return fmt.Errorf("%w: wrong type tag %q", ErrMalformedPayload, p.Type)
	}
	if !strings.HasPrefix(p.TransactionHash, "0x") {
		return fmt.Errorf("%w: transactionHash must be 0x-prefixed hex", ErrMalformedPayload)
	}
	if !strings.HasPrefix(p.SignedMessage, "0x") {
		return fmt.Errorf("%w: signedMessage must be 0x-prefixed hex", ErrMalformedPayload)
	}
	return nil
}

// SolanaTransferPayload is a broadcast native SOL or SPL token transfer,
// identified by its transaction signature. Mint is set for token
// transfers and lets the requirement matcher prefer the matching asset.
type SolanaTransferPayload struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
	Mint      string `json:"mint,omitempty"`
}

func (p *SolanaTransferPayload) PayloadType() string { return p.Type }

func (p *SolanaTransferPayload) TokenReference() string { return p.Mint }

func (p *SolanaTransferPayload) Validate() error {
	if p.Type != PayloadTypeNativeTransfer && p.Type != PayloadTypeTokenTransfer {
		return fmt.Errorf("%w: wrong type tag %q", ErrMalformedPayload, p.Type)
	}
	if p.Signature == "" {
		return fmt.Errorf("%w: transfer requires a transaction signature", ErrMalformedPayload)
	}
	return nil
}

// SolanaEchoedTransaction is the transaction object a wallet returns from
// signAndSendTransaction, echoed back in the payload.
type SolanaEchoedTransaction struct {
	Signature string `json:"signature"`
}

// SolanaSignAndSendPayload carries both the standalone signature and the
// wallet's echoed transaction; the two must agree.
type SolanaSignAndSendPayload struct {
	Type        string                  `json:"type"`
	Signature   string                  `json:"signature"`
	Transaction SolanaEchoedTransaction `json:"transaction"`
}

func (p *SolanaSignAndSendPayload) PayloadType() string { return PayloadTypeSignAndSend }

func (p *SolanaSignAndSendPayload) Validate() error {
	if p.Type != PayloadTypeSignAndSend {
		return fmt.Errorf("%w: wrong type tag %q", ErrMalformedPayload, p.Type)
	}
	if p.Signature == "" || p.Transaction.Signature == "" {
		return fmt.Errorf("%w: signAndSendTransaction requires both signatures", ErrMalformedPayload)
	}
	// A signature mismatch is a distinct verification failure, not a
	// malformed payload; it is checked at verify time.
	return nil
}

// SolanaSignTransactionPayload carries a signed-but-not-broadcast
// transaction blob (base64).
type SolanaSignTransactionPayload struct {
	Type              string `json:"type"`
	SignedTransaction string `json:"signedTransaction"`
}

func (p *SolanaSignTransactionPayload) PayloadType() string { return PayloadTypeSignTransaction }

func (p *SolanaSignTransactionPayload) Validate() error {
	if p.Type != PayloadTypeSignTransaction {
		return fmt.Errorf("%w: wrong type tag %q", ErrMalformedPayload, p.Type)
	}
	if p.SignedTransaction == "" {
		return fmt.Errorf("%w: signTransaction requires a transaction blob", ErrMalformedPayload)
	}
	return nil
}

// SolanaSignMessagePayload is a signed message. It carries no
// transferable value and is always rejected at verify time.
type SolanaSignMessagePayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

func (p *SolanaSignMessagePayload) PayloadType() string { return PayloadTypeSignMessage }

func (p *SolanaSignMessagePayload) Validate() error {
	if p.Type != PayloadTypeSignMessage {
		return fmt.Errorf("%w: wrong type tag %q", ErrMalformedPayload, p.Type)
	}
	if p.Message == "" || p.Signature == "" {
		return fmt.Errorf("%w: signMessage requires message and signature", ErrMalformedPayload)
	}
	return nil
}

// VerifyResponse is the result of verifying a payment payload.
type VerifyResponse struct {
	// IsValid reports whether the payment satisfies the requirement.
	IsValid bool `json:"isValid"`

	// TxHash is the consumed transaction hash/signature for payments that
	// are already on-chain.
	TxHash string `json:"txHash,omitempty"`

	// Type is "transaction" when the payment is already on-chain and
	// "payload" when settlement still has to broadcast it.
	Type string `json:"type,omitempty"`

	// ErrorMessage is the human-readable rejection reason.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Payer is the paying address when it could be determined.
	Payer string `json:"payer,omitempty"`
}

// SettleResponse is the result of settling a payment.
type SettleResponse struct {
	// Success reports whether the payment is settled on-chain.
	Success bool `json:"success"`

	// TxHash is the settled transaction hash/signature.
	TxHash string `json:"txHash,omitempty"`

	// NetworkID names the chain or cluster the payment settled on.
	NetworkID string `json:"networkId,omitempty"`

	// ErrorMessage is the human-readable failure reason.
	ErrorMessage string `json:"error,omitempty"`
}

// PaymentRequired is the 402 response body listing acceptable payments.
type PaymentRequired struct {
	H402Version int                   `json:"h402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}
