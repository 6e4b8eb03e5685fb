// Package client implements the HTTP client for a remote h402
// facilitator service. Resource servers use it from the middleware to
// delegate verification and settlement.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/encoding"
	"github.com/bit-gpt/h402-go/facilitator"
)

// VerifyRequest is the body posted to the facilitator's /verify and
// /settle endpoints. The payload travels in its transport encoding so the
// facilitator performs the authoritative decode.
type VerifyRequest struct {
	Payload string                   `json:"payload"`
	Details h402.PaymentRequirements `json:"paymentDetails"`
}

type errorBody struct {
	Error string `json:"error"`
}

// verifyEnvelope wraps the /verify success body.
type verifyEnvelope struct {
	Data h402.VerifyResponse `json:"data"`
}

// SupportedResponse is the /supported response body.
type SupportedResponse struct {
	Kinds []facilitator.Kind `json:"kinds"`
}

// FacilitatorClient talks to a remote facilitator service.
type FacilitatorClient struct {
	baseURL string
	http    *http.Client
}

// Option configures a FacilitatorClient.
type Option func(*FacilitatorClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *FacilitatorClient) {
		f.http = c
	}
}

// New creates a client for the facilitator at baseURL.
func New(baseURL string, opts ...Option) *FacilitatorClient {
	f := &FacilitatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Verify asks the facilitator to verify the payment. A 4xx answer is a
// definitive rejection and comes back as an invalid VerifyResponse; only
// transport failures and 5xx answers produce errors.
func (f *FacilitatorClient) Verify(ctx context.Context, payload *h402.PaymentPayload, details *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	var out verifyEnvelope
	rejection, err := f.post(ctx, "/verify", payload, details, &out)
	if err != nil {
		return h402.VerifyResponse{}, err
	}
	if rejection != "" {
		if rejection == replayRejection {
			return h402.VerifyResponse{}, h402.ErrTransactionUsed
		}
		return h402.VerifyResponse{IsValid: false, ErrorMessage: rejection}, nil
	}
	return out.Data, nil
}

// replayRejection is the facilitator's replay-conflict message; it maps
// back to ErrTransactionUsed so callers treat remote and in-process
// facilitators the same.
const replayRejection = "Transaction already used"

// Settle asks the facilitator to settle the payment. A 4xx answer comes
// back as a failed SettleResponse.
func (f *FacilitatorClient) Settle(ctx context.Context, payload *h402.PaymentPayload, details *h402.PaymentRequirements) (h402.SettleResponse, error) {
	var out h402.SettleResponse
	rejection, err := f.post(ctx, "/settle", payload, details, &out)
	if err != nil {
		return h402.SettleResponse{}, err
	}
	if rejection != "" {
		if rejection == replayRejection {
			return h402.SettleResponse{}, h402.ErrTransactionUsed
		}
		return h402.SettleResponse{Success: false, ErrorMessage: rejection}, nil
	}
	return out, nil
}

// Supported lists the payment kinds the facilitator accepts.
func (f *FacilitatorClient) Supported(ctx context.Context) ([]facilitator.Kind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/supported", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", h402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: /supported returned %d", h402.ErrFacilitatorUnavailable, resp.StatusCode)
	}
	var out SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode /supported response: %w", err)
	}
	return out.Kinds, nil
}

// post sends the request and decodes a 200 into out. It returns the
// rejection message for 4xx answers and an error for everything else.
func (f *FacilitatorClient) post(ctx context.Context, path string, payload *h402.PaymentPayload, details *h402.PaymentRequirements, out any) (string, error) {
	encoded, err := encoding.EncodePayment(payload)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(VerifyRequest{Payload: encoded, Details: *details})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", h402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "", fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return "", nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var reject errorBody
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, &reject); err != nil || reject.Error == "" {
			reject.Error = fmt.Sprintf("payment rejected with status %d", resp.StatusCode)
		}
		return reject.Error, nil

	default:
		return "", fmt.Errorf("%w: %s returned %d", h402.ErrFacilitatorUnavailable, path, resp.StatusCode)
	}
}
