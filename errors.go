package h402

import "errors"

// Sentinel errors for h402 payment operations.
var (
	// ErrMalformedPayload indicates a payment payload that could not be
	// decoded or failed structural validation.
	ErrMalformedPayload = errors.New("h402: malformed payload")

	// ErrUnsupportedScheme indicates an unrecognized (scheme, namespace)
	// combination.
	ErrUnsupportedScheme = errors.New("h402: unsupported scheme")

	// ErrUnsupportedNetwork indicates a networkId with no configured chain
	// or cluster.
	ErrUnsupportedNetwork = errors.New("h402: unsupported network")

	// ErrNoMatchingRequirement indicates no offered requirement matches the
	// payload. This is the renegotiate path, not a server fault.
	ErrNoMatchingRequirement = errors.New("h402: no matching payment requirement")

	// ErrTransactionUsed indicates the transaction hash has already been
	// consumed by a previous payment.
	ErrTransactionUsed = errors.New("h402: transaction already used")

	// ErrSignatureMismatch indicates the standalone signature of a
	// signAndSendTransaction payload does not equal the embedded
	// transaction's own signature.
	ErrSignatureMismatch = errors.New("h402: signature mismatch")

	// ErrInvalidAmount indicates a malformed or negative amount.
	ErrInvalidAmount = errors.New("h402: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("h402: invalid private key")

	// ErrMalformedHeader indicates a malformed X-PAYMENT header or
	// 402base64 query parameter.
	ErrMalformedHeader = errors.New("h402: malformed payment header")

	// ErrFacilitatorUnavailable indicates the facilitator service could not
	// be reached.
	ErrFacilitatorUnavailable = errors.New("h402: facilitator service unavailable")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("h402: payment verification failed")

	// ErrSettlementFailed indicates payment settlement failed.
	ErrSettlementFailed = errors.New("h402: payment settlement failed")
)
