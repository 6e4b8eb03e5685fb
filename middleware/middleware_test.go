package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/encoding"
)

type stubService struct {
	verify      h402.VerifyResponse
	verifyErr   error
	settle      h402.SettleResponse
	settleErr   error
	settleCalls int
}

func (s *stubService) Verify(context.Context, *h402.PaymentPayload, *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	return s.verify, s.verifyErr
}

func (s *stubService) Settle(context.Context, *h402.PaymentPayload, *h402.PaymentRequirements) (h402.SettleResponse, error) {
	s.settleCalls++
	return s.settle, s.settleErr
}

func accepts() []h402.PaymentRequirements {
	return []h402.PaymentRequirements{{
		Scheme:         h402.SchemeExact,
		Namespace:      h402.NamespaceSolana,
		NetworkID:      "solana",
		TokenAddress:   h402.SolanaNativeAsset,
		AmountRequired: "1000000",
		PayToAddress:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Resource:       "https://example.com/api",
	}}
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

func protectedHandler(t *testing.T, invoked *bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*invoked = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("secret"))
	})
}

func TestNoPaymentReturns402JSON(t *testing.T) {
	var invoked bool
	mw := NewPaymentMiddleware(Config{Service: &stubService{}, Accepts: accepts()})
	handler := mw(protectedHandler(t, &invoked))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if invoked {
		t.Fatal("handler ran without payment")
	}
	var body h402.PaymentRequired
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.H402Version != h402.H402Version || len(body.Accepts) != 1 {
		t.Fatalf("body = %+v", body)
	}
	if body.Error != "Payment required" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestNoPaymentPaywallForBrowsers(t *testing.T) {
	var invoked bool
	mw := NewPaymentMiddleware(Config{Service: &stubService{}, Accepts: accepts(), Paywall: true})
	handler := mw(protectedHandler(t, &invoked))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content-type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Payment Required") {
		t.Error("paywall body missing title")
	}
	if !strings.Contains(body, "window.h402") {
		t.Error("paywall body missing requirements script")
	}

	// JSON clients still get the machine-readable body.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestMalformedPaymentReturns400(t *testing.T) {
	mw := NewPaymentMiddleware(Config{Service: &stubService{}, Accepts: accepts()})
	var invoked bool
	handler := mw(protectedHandler(t, &invoked))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", "!!!not-base64!!!")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if invoked {
		t.Fatal("handler ran with malformed payment")
	}
}

func TestTransactionTypeSkipsSettlement(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, TxHash: "sig", Type: h402.VerifyTypeTransaction, Payer: "payer"},
	}
	mw := NewPaymentMiddleware(Config{Service: service, Accepts: accepts()})
	var invoked bool
	handler := mw(protectedHandler(t, &invoked))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !invoked {
		t.Fatal("handler did not run")
	}
	if service.settleCalls != 0 {
		t.Fatalf("settle called %d times for a transaction-type payment", service.settleCalls)
	}

	receipt, err := encoding.DecodeSettlement(rec.Header().Get("X-PAYMENT-RESPONSE"))
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !receipt.Success || receipt.TxHash != "sig" {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestPayloadTypeSettlesAfterSuccess(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, Type: h402.VerifyTypePayload, Payer: "payer"},
		settle: h402.SettleResponse{Success: true, TxHash: "0xsettled", NetworkID: "56"},
	}
	mw := NewPaymentMiddleware(Config{Service: service, Accepts: accepts()})
	var invoked bool
	handler := mw(protectedHandler(t, &invoked))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "secret" {
		t.Fatalf("body = %q", rec.Body.String())
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

func TestHandlerErrorSkipsSettlement(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, Type: h402.VerifyTypePayload},
		settle: h402.SettleResponse{Success: true, TxHash: "0xsettled"},
	}
	mw := NewPaymentMiddleware(Config{Service: service, Accepts: accepts()})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if service.settleCalls != 0 {
		t.Fatalf("settle called %d times after handler failure", service.settleCalls)
	}
	if rec.Header().Get("X-PAYMENT-RESPONSE") != "" {
		t.Fatal("receipt header set despite failed handler")
	}
}

func TestSettlementFailureSuppressesHandlerBody(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, Type: h402.VerifyTypePayload},
		settle: h402.SettleResponse{Success: false, ErrorMessage: "Transaction failed or not confirmed"},
	}
	mw := NewPaymentMiddleware(Config{Service: service, Accepts: accepts()})
	var invoked bool
	handler := mw(protectedHandler(t, &invoked))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("protected content leaked after failed settlement")
	}
}

func TestReplayReturns400(t *testing.T) {
	service := &stubService{verifyErr: h402.ErrTransactionUsed}
	mw := NewPaymentMiddleware(Config{Service: service, Accepts: accepts()})
	var invoked bool
	handler := mw(protectedHandler(t, &invoked))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Transaction already used") {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if invoked {
		t.Fatal("handler ran for a replayed payment")
	}
}

func TestQueryParameterFallback(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, TxHash: "sig", Type: h402.VerifyTypeTransaction},
	}
	mw := NewPaymentMiddleware(Config{Service: service, Accepts: accepts()})
	var invoked bool
	handler := mw(protectedHandler(t, &invoked))

	req := httptest.NewRequest(http.MethodGet, "/api?"+PaymentQueryParam+"="+encodedPayment(t), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !invoked {
		t.Fatal("handler did not run")
	}
}

func TestNoMatchingRequirementReturns402(t *testing.T) {
	service := &stubService{}
	evmOnly := []h402.PaymentRequirements{{
		Scheme: h402.SchemeExact, Namespace: h402.NamespaceEVM, NetworkID: "56",
		TokenAddress: h402.EVMNativeAsset, AmountRequired: "1", PayToAddress: "0x1",
	}}
	mw := NewPaymentMiddleware(Config{Service: service, Accepts: evmOnly})
	var invoked bool
	handler := mw(protectedHandler(t, &invoked))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t)) // solana payment
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if invoked {
		t.Fatal("handler ran despite mismatched payment")
	}
}

func TestPaymentVisibleInContext(t *testing.T) {
	service := &stubService{
		verify: h402.VerifyResponse{IsValid: true, TxHash: "sig", Type: h402.VerifyTypeTransaction, Payer: "thepayer"},
	}
	mw := NewPaymentMiddleware(Config{Service: service, Accepts: accepts()})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payment := GetPaymentFromContext(r.Context())
		if payment == nil || payment.Payer != "thepayer" {
			t.Errorf("payment in context = %+v", payment)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-PAYMENT", encodedPayment(t))
	handler.ServeHTTP(httptest.NewRecorder(), req)
}
