package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/encoding"
)

// Creator builds a payment proof for a matched requirement. The
// exact-scheme EVM and Solana clients both satisfy it.
type Creator interface {
	CreatePayment(ctx context.Context, req *h402.PaymentRequirements) (*h402.PaymentPayload, error)
}

// Transport is an http.RoundTripper that pays its own way: a 402 answer is
// parsed, a payment is created for the first requirement a registered
// creator can serve, and the request is retried with the X-PAYMENT header.
type Transport struct {
	// Base is the underlying RoundTripper, http.DefaultTransport when nil.
	Base http.RoundTripper

	// Creators maps namespace to the payment creator for that chain family.
	Creators map[string]Creator
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req.Clone(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	var required h402.PaymentRequired
	decodeErr := json.NewDecoder(resp.Body).Decode(&required)
	resp.Body.Close()
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: invalid 402 body: %v", h402.ErrMalformedPayload, decodeErr)
	}

	requirement, creator, err := t.selectRequirement(required.Accepts)
	if err != nil {
		return nil, err
	}

	payment, err := creator.CreatePayment(req.Context(), requirement)
	if err != nil {
		return nil, err
	}
	header, err := encoding.EncodePayment(payment)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("X-PAYMENT", header)
	return base.RoundTrip(retry)
}

func (t *Transport) selectRequirement(accepts []h402.PaymentRequirements) (*h402.PaymentRequirements, Creator, error) {
	for i := range accepts {
		if creator, ok := t.Creators[accepts[i].Namespace]; ok {
			return &accepts[i], creator, nil
		}
	}
	return nil, nil, h402.ErrNoMatchingRequirement
}

// GetSettlement decodes the X-PAYMENT-RESPONSE receipt, or nil when the
// response carries none.
func GetSettlement(resp *http.Response) *h402.SettleResponse {
	header := resp.Header.Get("X-PAYMENT-RESPONSE")
	if header == "" {
		return nil
	}
	settlement, err := encoding.DecodeSettlement(header)
	if err != nil {
		return nil
	}
	return &settlement
}

// NewHTTPClient returns an *http.Client whose transport pays 402 responses
// with the given per-namespace creators.
func NewHTTPClient(creators map[string]Creator) *http.Client {
	return &http.Client{Transport: &Transport{Creators: creators}}
}
