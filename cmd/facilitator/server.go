package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/client"
	"github.com/bit-gpt/h402-go/encoding"
	"github.com/bit-gpt/h402-go/facilitator"
)

// paymentService is what the router needs from the facilitator.
type paymentService interface {
	Verify(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.VerifyResponse, error)
	Settle(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.SettleResponse, error)
	Supported() []facilitator.Kind
	Health(ctx context.Context) error
}

// backupRunner triggers an on-demand ledger snapshot.
type backupRunner interface {
	Run(ctx context.Context) error
}

func newRouter(svc paymentService, backups backupRunner, adminToken string, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.POST("/verify", func(c *gin.Context) {
		payload, details, ok := bindPaymentRequest(c)
		if !ok {
			return
		}
		resp, err := svc.Verify(c.Request.Context(), payload, details)
		if err != nil {
			if errors.Is(err, h402.ErrTransactionUsed) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Transaction already used"})
				return
			}
			log.Error("verify failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": resp})
	})

	r.POST("/settle", func(c *gin.Context) {
		payload, details, ok := bindPaymentRequest(c)
		if !ok {
			return
		}
		resp, err := svc.Settle(c.Request.Context(), payload, details)
		if err != nil {
			if errors.Is(err, h402.ErrTransactionUsed) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Transaction already used"})
				return
			}
			log.Error("settle failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Settlement failed"})
			return
		}
		if !resp.Success {
			c.JSON(http.StatusBadRequest, gin.H{"error": resp.ErrorMessage, "success": false})
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/supported", func(c *gin.Context) {
		c.JSON(http.StatusOK, client.SupportedResponse{Kinds: svc.Supported()})
	})

	r.GET("/health", func(c *gin.Context) {
		if err := svc.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/admin/backup", func(c *gin.Context) {
		if adminToken == "" || c.GetHeader("Authorization") != "Bearer "+adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if backups == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Backups not configured"})
			return
		}
		if err := backups.Run(c.Request.Context()); err != nil {
			log.Error("backup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Backup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

// bindPaymentRequest decodes the request body and the transport-encoded
// payload. The facilitator decode is authoritative; a body the middleware
// accepted can still be rejected here.
func bindPaymentRequest(c *gin.Context) (*h402.PaymentPayload, *h402.PaymentRequirements, bool) {
	var req client.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return nil, nil, false
	}
	payload, err := encoding.DecodePayment(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment payload"})
		return nil, nil, false
	}
	return payload, &req.Details, true
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if strings.HasPrefix(c.Request.URL.Path, "/metrics") {
			return
		}
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
