package h402

import "strings"

// FindMatchingRequirement selects the requirement a payload should be
// verified against. Candidates must agree with the payload on namespace,
// networkId and scheme. When the payload references a specific token (a
// Solana tokenTransfer carries its mint), a requirement for that token is
// preferred; otherwise the first candidate in the server's declared order
// wins, so servers list their preferred option first.
func FindMatchingRequirement(accepts []PaymentRequirements, payload *PaymentPayload) (*PaymentRequirements, error) {
	if payload == nil || payload.Payload == nil {
		return nil, ErrMalformedPayload
	}

	var candidates []*PaymentRequirements
	for i := range accepts {
		req := &accepts[i]
		if req.Namespace != payload.Namespace {
			continue
		}
		if req.NetworkID != payload.NetworkID {
			continue
		}
		if req.Scheme != payload.Scheme {
			continue
		}
		candidates = append(candidates, req)
	}
	if len(candidates) == 0 {
		return nil, ErrNoMatchingRequirement
	}

	if ref, ok := payload.Payload.(tokenReferencer); ok {
		if token := ref.TokenReference(); token != "" {
			for _, req := range candidates {
				if strings.EqualFold(req.TokenAddress, token) {
					return req, nil
				}
			}
		}
	}
	return candidates[0], nil
}
