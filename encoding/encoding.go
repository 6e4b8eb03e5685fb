// Package encoding converts h402 payment data to and from the transport
// representation: base64-encoded JSON, as carried in the X-PAYMENT and
// X-PAYMENT-RESPONSE headers and the 402base64 query parameter.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	h402 "github.com/bit-gpt/h402-go"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string
// suitable for the X-PAYMENT header.
func EncodePayment(payment *h402.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// DecodePayment converts a base64-encoded JSON string to a PaymentPayload.
// The payload variant is selected and structurally validated during
// decoding; any failure wraps h402.ErrMalformedPayload.
func DecodePayment(encoded string) (*h402.PaymentPayload, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", h402.ErrMalformedPayload, err)
	}

	var payment h402.PaymentPayload
	if err := json.Unmarshal(decoded, &payment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return &payment, nil
}

// EncodeSettlement converts a SettleResponse to a base64-encoded JSON
// string suitable for the X-PAYMENT-RESPONSE header.
func EncodeSettlement(settlement h402.SettleResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string back to a
// SettleResponse.
func DecodeSettlement(encoded string) (h402.SettleResponse, error) {
	var settlement h402.SettleResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}
	return settlement, nil
}

// EncodeRequirements converts a PaymentRequired body to base64-encoded
// JSON, used when forwarding requirements through redirects.
func EncodeRequirements(required h402.PaymentRequired) (string, error) {
	reqJSON, err := json.Marshal(required)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reqJSON), nil
}

// DecodeRequirements converts base64-encoded JSON to a PaymentRequired.
func DecodeRequirements(encoded string) (h402.PaymentRequired, error) {
	var required h402.PaymentRequired

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return required, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &required); err != nil {
		return required, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}
	return required, nil
}
