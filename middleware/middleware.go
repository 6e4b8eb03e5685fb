// Package middleware gates net/http handlers behind h402 payments. It
// extracts the payment proof from the X-PAYMENT header or the 402base64
// query parameter, verifies it through a facilitator, runs the protected
// handler, and settles only if the handler succeeds.
package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/client"
	"github.com/bit-gpt/h402-go/encoding"
)

// PaymentQueryParam is the query-parameter fallback for clients that
// cannot set headers (e.g. media elements, redirects).
const PaymentQueryParam = "402base64"

// PaymentService verifies and settles payments. Both the HTTP
// facilitator client and an in-process facilitator satisfy it.
type PaymentService interface {
	Verify(ctx context.Context, payload *h402.PaymentPayload, details *h402.PaymentRequirements) (h402.VerifyResponse, error)
	Settle(ctx context.Context, payload *h402.PaymentPayload, details *h402.PaymentRequirements) (h402.SettleResponse, error)
}

// Config holds the middleware configuration.
type Config struct {
	// FacilitatorURL is the facilitator endpoint. Ignored when Service is
	// set.
	FacilitatorURL string

	// Service overrides the facilitator client, e.g. with an in-process
	// facilitator.
	Service PaymentService

	// Accepts lists the acceptable payments, preferred first.
	Accepts []h402.PaymentRequirements

	// VerifyOnly skips settlement (the payment is verified but never
	// settled by this middleware).
	VerifyOnly bool

	// Paywall enables the HTML paywall for browser clients. JSON clients
	// always get the machine-readable 402 body.
	Paywall bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// contextKey is unexported to avoid context collisions.
type contextKey string

// paymentContextKey stores the VerifyResponse of the accepted payment.
const paymentContextKey = contextKey("h402_payment")

// GetPaymentFromContext returns the verified payment for the current
// request, or nil when the route is not payment-gated.
func GetPaymentFromContext(ctx context.Context) *h402.VerifyResponse {
	resp, _ := ctx.Value(paymentContextKey).(*h402.VerifyResponse)
	return resp
}

// NewPaymentMiddleware wraps handlers with payment gating.
func NewPaymentMiddleware(config Config) func(http.Handler) http.Handler {
	service := config.Service
	if service == nil {
		service = client.New(config.FacilitatorURL)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accepts := requirementsFor(config.Accepts, r)

			raw := extractPayment(r)
			if raw == "" {
				logger.Info("no payment provided", "path", r.URL.Path)
				sendPaymentRequired(w, r, config, accepts, "Payment required")
				return
			}

			payment, err := encoding.DecodePayment(raw)
			if err != nil {
				logger.Warn("malformed payment", "error", err)
				http.Error(w, "Invalid payment header", http.StatusBadRequest)
				return
			}

			requirement, err := h402.FindMatchingRequirement(accepts, payment)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				sendPaymentRequired(w, r, config, accepts, "No matching payment requirement")
				return
			}

			verify, err := service.Verify(r.Context(), payment, requirement)
			if err != nil {
				if errors.Is(err, h402.ErrTransactionUsed) {
					http.Error(w, "Transaction already used", http.StatusBadRequest)
					return
				}
				logger.Error("verification unavailable", "error", err)
				http.Error(w, "Payment verification failed", http.StatusServiceUnavailable)
				return
			}
			if !verify.IsValid {
				logger.Warn("payment rejected", "reason", verify.ErrorMessage)
				sendPaymentRequired(w, r, config, accepts, verify.ErrorMessage)
				return
			}

			logger.Info("payment verified", "payer", verify.Payer, "type", verify.Type)
			r = r.WithContext(context.WithValue(r.Context(), paymentContextKey, &verify))

			// Transaction-type payments are already settled on-chain; the
			// receipt goes out immediately and no settle call is made.
			if verify.Type == h402.VerifyTypeTransaction {
				receipt := h402.SettleResponse{Success: true, TxHash: verify.TxHash, NetworkID: payment.NetworkID}
				if encoded, err := encoding.EncodeSettlement(receipt); err == nil {
					w.Header().Set("X-PAYMENT-RESPONSE", encoded)
				}
				next.ServeHTTP(w, r)
				return
			}

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if config.VerifyOnly {
						return true
					}
					settlement, err := service.Settle(r.Context(), payment, requirement)
					if err != nil {
						if errors.Is(err, h402.ErrTransactionUsed) {
							http.Error(w, "Transaction already used", http.StatusBadRequest)
							return false
						}
						logger.Error("settlement failed", "error", err)
						http.Error(w, "Payment settlement failed", http.StatusServiceUnavailable)
						return false
					}
					if !settlement.Success {
						logger.Warn("settlement unsuccessful", "reason", settlement.ErrorMessage)
						sendPaymentRequired(w, r, config, accepts, settlement.ErrorMessage)
						return false
					}
					if encoded, err := encoding.EncodeSettlement(settlement); err == nil {
						w.Header().Set("X-PAYMENT-RESPONSE", encoded)
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler failed, skipping settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// extractPayment returns the transport-encoded payment from the header
// or, failing that, the query parameter.
func extractPayment(r *http.Request) string {
	if header := r.Header.Get("X-PAYMENT"); header != "" {
		return header
	}
	return r.URL.Query().Get(PaymentQueryParam)
}

// requirementsFor fills each requirement's resource with the request URL
// when the server did not pin one.
func requirementsFor(accepts []h402.PaymentRequirements, r *http.Request) []h402.PaymentRequirements {
	out := make([]h402.PaymentRequirements, len(accepts))
	copy(out, accepts)
	for i := range out {
		if out[i].Resource == "" {
			out[i].Resource = buildResourceURL(r)
		}
	}
	return out
}

func buildResourceURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// sendPaymentRequired writes the 402 response: the HTML paywall for
// browsers when enabled, otherwise the JSON body.
func sendPaymentRequired(w http.ResponseWriter, r *http.Request, config Config, accepts []h402.PaymentRequirements, errMsg string) {
	required := h402.PaymentRequired{
		H402Version: h402.H402Version,
		Error:       errMsg,
		Accepts:     accepts,
	}
	if config.Paywall && wantsHTML(r) {
		// Browsers get display metadata filled in for known assets.
		required.Accepts = h402.EnrichRequirements(r.Context(), accepts, nil)
		renderPaywall(w, required)
		return
	}
	writePaymentRequiredJSON(w, required)
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html")
}

// settlementInterceptor wraps the ResponseWriter to settle at the moment
// the handler commits to a success status. Error statuses pass through
// without settling, so a failed handler never charges the client.
type settlementInterceptor struct {
	w          http.ResponseWriter
	settleFunc func() bool
	onFailure  func(statusCode int)
	committed  bool
	hijacked   bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK, which is the commit point.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	// After a failed settlement the error response is already written;
	// discard the handler's payload to avoid a mixed body.
	if i.hijacked {
		return len(b), nil
	}
	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher for streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker; settlement runs before the connection
// is handed over (e.g. WebSocket upgrades).
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := i.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if !i.committed {
		i.committed = true
		if !i.settleFunc() {
			i.hijacked = true
			return nil, nil, errors.New("payment settlement failed")
		}
	}
	return hijacker.Hijack()
}

// Push implements http.Pusher for HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
