// Package gin provides Gin-compatible middleware for h402 payment gating.
// It is a thin adapter over the same flow as the net/http middleware, using
// gin's abort chain instead of a response interceptor: payments are settled
// up front, before the protected handler runs.
package gin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/client"
	"github.com/bit-gpt/h402-go/encoding"
	"github.com/bit-gpt/h402-go/middleware"
)

// Config is an alias for middleware.Config for convenience.
type Config = middleware.Config

// PaymentContextKey is the gin context key for the verified payment.
const PaymentContextKey = "h402_payment"

// NewPaymentMiddleware returns a gin middleware that gates handlers behind
// h402 payments. On success the VerifyResponse is stored in the gin context
// under PaymentContextKey and the chain proceeds; on failure the chain is
// aborted with the appropriate status.
func NewPaymentMiddleware(config Config) gin.HandlerFunc {
	service := config.Service
	if service == nil {
		service = client.New(config.FacilitatorURL)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		accepts := requirementsFor(config.Accepts, c.Request)

		raw := c.GetHeader("X-PAYMENT")
		if raw == "" {
			raw = c.Query(middleware.PaymentQueryParam)
		}
		if raw == "" {
			logger.Info("no payment provided", "path", c.Request.URL.Path)
			abortPaymentRequired(c, accepts, "Payment required")
			return
		}

		payment, err := encoding.DecodePayment(raw)
		if err != nil {
			logger.Warn("malformed payment", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid payment header"})
			return
		}

		requirement, err := h402.FindMatchingRequirement(accepts, payment)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			abortPaymentRequired(c, accepts, "No matching payment requirement")
			return
		}

		verify, err := service.Verify(c.Request.Context(), payment, requirement)
		if err != nil {
			if errors.Is(err, h402.ErrTransactionUsed) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Transaction already used"})
				return
			}
			logger.Error("verification unavailable", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Payment verification failed"})
			return
		}
		if !verify.IsValid {
			logger.Warn("payment rejected", "reason", verify.ErrorMessage)
			abortPaymentRequired(c, accepts, verify.ErrorMessage)
			return
		}

		logger.Info("payment verified", "payer", verify.Payer, "type", verify.Type)

		switch {
		case verify.Type == h402.VerifyTypeTransaction:
			// Already on chain, nothing to settle.
			receipt := h402.SettleResponse{Success: true, TxHash: verify.TxHash, NetworkID: payment.NetworkID}
			setReceiptHeader(c, receipt, logger)

		case config.VerifyOnly:

		default:
			settlement, err := service.Settle(c.Request.Context(), payment, requirement)
			if err != nil {
				if errors.Is(err, h402.ErrTransactionUsed) {
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Transaction already used"})
					return
				}
				logger.Error("settlement failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Payment settlement failed"})
				return
			}
			if !settlement.Success {
				logger.Warn("settlement unsuccessful", "reason", settlement.ErrorMessage)
				abortPaymentRequired(c, accepts, settlement.ErrorMessage)
				return
			}
			setReceiptHeader(c, settlement, logger)
		}

		c.Set(PaymentContextKey, &verify)
		c.Next()
	}
}

// GetPaymentFromContext returns the verified payment stored by the
// middleware, or nil when the route is not payment-gated.
func GetPaymentFromContext(c *gin.Context) *h402.VerifyResponse {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	resp, ok := value.(*h402.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}

func setReceiptHeader(c *gin.Context, settlement h402.SettleResponse, logger *slog.Logger) {
	encoded, err := encoding.EncodeSettlement(settlement)
	if err != nil {
		logger.Warn("failed to encode settlement receipt", "error", err)
		return
	}
	c.Header("X-PAYMENT-RESPONSE", encoded)
}

func abortPaymentRequired(c *gin.Context, accepts []h402.PaymentRequirements, errMsg string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, h402.PaymentRequired{
		H402Version: h402.H402Version,
		Error:       errMsg,
		Accepts:     accepts,
	})
}

// requirementsFor fills each requirement's resource with the request URL
// when the server did not pin one.
func requirementsFor(accepts []h402.PaymentRequirements, r *http.Request) []h402.PaymentRequirements {
	out := make([]h402.PaymentRequirements, len(accepts))
	copy(out, accepts)
	for i := range out {
		if out[i].Resource == "" {
			scheme := "https"
			if r.TLS == nil {
				scheme = "http"
			}
			out[i].Resource = scheme + "://" + r.Host + r.URL.Path
		}
	}
	return out
}
