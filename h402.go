// Package h402 implements the h402 payment protocol: HTTP 402 "Payment
// Required" micropayments verified and settled on EVM chains (BNB Smart
// Chain) or Solana.
//
// The package defines the wire types shared by every component:
// PaymentRequirements (what a resource server accepts), PaymentPayload
// (the client's payment proof, a tagged union over namespace and payload
// type), and the VerifyResponse/SettleResponse results produced by the
// facilitator.
//
// Scheme handlers live under scheme/exact, the facilitator facade under
// facilitator, and the HTTP surfaces under middleware and client.
package h402

// H402Version is the protocol version carried in payloads and 402 bodies.
const H402Version = 1

// Namespace identifiers selecting the scheme handler family.
const (
	NamespaceEVM    = "evm"
	NamespaceSolana = "solana"
)

// SchemeExact is the only payment scheme currently defined: pay at least
// the exact required amount to the configured recipient.
const SchemeExact = "exact"

// Native-asset sentinels used in PaymentRequirements.TokenAddress.
const (
	// EVMNativeAsset marks a native-coin (BNB) payment on EVM chains.
	EVMNativeAsset = "0x0000000000000000000000000000000000000000"

	// SolanaNativeAsset marks a native SOL payment. It is the Solana
	// system program address.
	SolanaNativeAsset = "11111111111111111111111111111111"
)

// Verification result types. "transaction" means the payment is already
// on-chain; "payload" means settlement still has to broadcast something.
const (
	VerifyTypeTransaction = "transaction"
	VerifyTypePayload     = "payload"
)
