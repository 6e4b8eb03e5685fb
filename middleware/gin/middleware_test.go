package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/encoding"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubService struct {
	verify      h402.VerifyResponse
	settle      h402.SettleResponse
	settleCalls int
}

func (s *stubService) Verify(context.Context, *h402.PaymentPayload, *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	return s.verify, nil
}

func (s *stubService) Settle(context.Context, *h402.PaymentPayload, *h402.PaymentRequirements) (h402.SettleResponse, error) {
	s.settleCalls++
	return s.settle, nil
}

func testRouter(t *testing.T, service *stubService) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(NewPaymentMiddleware(Config{
		Service: service,
		Accepts: []h402.PaymentRequirements{{
			Scheme:         h402.SchemeExact,
			Namespace:      h402.NamespaceSolana,
			NetworkID:      "solana",
			TokenAddress:   h402.SolanaNativeAsset,
			AmountRequired: "1000000",
			PayToAddress:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		}},
	}))
	r.GET("/api", func(c *gin.Context) {
		payment := GetPaymentFromContext(c)
		if payment == nil {
			t.Error("payment missing from gin context")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no payment"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"payer": payment.Payer})
	})
	return r
}

func encodedPayment(t *testing.T) string {
	t.Helper()
	encoded, err := encoding.EncodePayment(&h402.PaymentPayload{
		H402Version: h402.H402Version,
		Scheme:      h402.SchemeExact,
		Namespace:   h402.NamespaceSolana,
		NetworkID:   "solana",
		Payload:     &h402.SolanaTransferPayload{Type: h402.PayloadTypeNativeTransfer, Signature: "sig"},
	})
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}
	return encoded
}

func TestGinNoPaymentReturns402(t *testing.T) {
	r := testRouter(t, &stubService{verify: h402.VerifyResponse{IsValid: true, Type: h402.VerifyTypeTransaction}})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestGinTransactionTypeSkipsSettlement(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, TxHash: "sig", Type: h402.VerifyTypeTransaction, Payer: "payer"},
	}
	r := testRouter(t, service)

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if service.settleCalls != 0 {
		t.Fatalf("settle called %d times", service.settleCalls)
	}
	if rec.Header().Get("X-PAYMENT-RESPONSE") == "" {
		t.Fatal("missing receipt header")
	}
}

func TestGinPayloadTypeSettles(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, Type: h402.VerifyTypePayload, Payer: "payer"},
		settle: h402.SettleResponse{Success: true, TxHash: "0xsettled", NetworkID: "56"},
	}
	r := testRouter(t, service)

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if service.settleCalls != 1 {
		t.Fatalf("settle called %d times, want 1", service.settleCalls)
	}
	receipt, err := encoding.DecodeSettlement(rec.Header().Get("X-PAYMENT-RESPONSE"))
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.TxHash != "0xsettled" {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestGinSettlementFailureAborts(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, Type: h402.VerifyTypePayload},
		settle: h402.SettleResponse{Success: false, ErrorMessage: "Transaction failed or not confirmed"},
	}
	r := testRouter(t, service)

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}
