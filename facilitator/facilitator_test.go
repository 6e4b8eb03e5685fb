package facilitator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	h402 "github.com/bit-gpt/h402-go"
)

type memStore struct {
	mu     sync.Mutex
	hashes map[string]bool
}

func newMemStore() *memStore {
	return &memStore{hashes: make(map[string]bool)}
}

func (m *memStore) Insert(_ context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[txHash] {
		return h402.ErrTransactionUsed
	}
	m.hashes[txHash] = true
	return nil
}

func (m *memStore) Exists(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[txHash], nil
}

func (m *memStore) Ping(context.Context) error { return nil }

type stubHandler struct {
	scheme      string
	namespace   string
	verify      h402.VerifyResponse
	verifyErr   error
	verifyCalls int
	settle      h402.SettleResponse
	settleErr   error
	settleCalls int
}

func (s *stubHandler) Scheme() string    { return s.scheme }
func (s *stubHandler) Namespace() string { return s.namespace }

func (s *stubHandler) Verify(context.Context, *h402.PaymentPayload, *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	s.verifyCalls++
	return s.verify, s.verifyErr
}

func (s *stubHandler) Settle(context.Context, *h402.PaymentPayload, *h402.PaymentRequirements) (h402.SettleResponse, error) {
	s.settleCalls++
	return s.settle, s.settleErr
}

func solanaPayload() *h402.PaymentPayload {
	return &h402.PaymentPayload{
		H402Version: h402.H402Version,
		Scheme:      h402.SchemeExact,
		Namespace:   h402.NamespaceSolana,
		NetworkID:   "solana",
		Payload:     &h402.SolanaTransferPayload{Type: h402.PayloadTypeNativeTransfer, Signature: "sig"},
	}
}

func req() *h402.PaymentRequirements {
	return &h402.PaymentRequirements{
		Scheme: h402.SchemeExact, Namespace: h402.NamespaceSolana, NetworkID: "solana",
		TokenAddress: h402.SolanaNativeAsset, AmountRequired: "1", PayToAddress: "x",
	}
}

func TestVerifyDispatchAndClaim(t *testing.T) {
	store := newMemStore()
	handler := &stubHandler{
		scheme: h402.SchemeExact, namespace: h402.NamespaceSolana,
		verify: h402.VerifyResponse{IsValid: true, TxHash: "sig", Type: h402.VerifyTypeTransaction},
	}
	f := New(store, nil, handler)

	resp, err := f.Verify(context.Background(), solanaPayload(), req())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got %q", resp.ErrorMessage)
	}
	if ok, _ := store.Exists(context.Background(), "sig"); !ok {
		t.Fatal("verified hash not claimed in ledger")
	}

	// The same transaction must not verify twice.
	_, err = f.Verify(context.Background(), solanaPayload(), req())
	if !errors.Is(err, h402.ErrTransactionUsed) {
		t.Fatalf("replay: got %v, want ErrTransactionUsed", err)
	}
}

func TestVerifyPayloadTypeSkipsLedger(t *testing.T) {
	store := newMemStore()
	handler := &stubHandler{
		scheme: h402.SchemeExact, namespace: h402.NamespaceSolana,
		verify: h402.VerifyResponse{IsValid: true, Type: h402.VerifyTypePayload},
	}
	f := New(store, nil, handler)

	for i := 0; i < 2; i++ {
		resp, err := f.Verify(context.Background(), solanaPayload(), req())
		if err != nil {
			t.Fatalf("Verify #%d: %v", i, err)
		}
		if !resp.IsValid {
			t.Fatalf("Verify #%d rejected: %q", i, resp.ErrorMessage)
		}
	}
	if len(store.hashes) != 0 {
		t.Fatal("payload-type verification must not claim a hash")
	}
}

func TestVerifyInvalidDoesNotClaim(t *testing.T) {
	store := newMemStore()
	handler := &stubHandler{
		scheme: h402.SchemeExact, namespace: h402.NamespaceSolana,
		verify: h402.VerifyResponse{IsValid: false, TxHash: "sig", ErrorMessage: "Transaction not found"},
	}
	f := New(store, nil, handler)

	resp, err := f.Verify(context.Background(), solanaPayload(), req())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected rejection")
	}
	if len(store.hashes) != 0 {
		t.Fatal("rejected payment must not claim a hash")
	}
}

func TestVerifyUnknownScheme(t *testing.T) {
	f := New(newMemStore(), nil)
	resp, err := f.Verify(context.Background(), solanaPayload(), req())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("unknown scheme accepted")
	}
	if resp.ErrorMessage != "Unsupported scheme: exact/solana" {
		t.Errorf("errorMessage = %q", resp.ErrorMessage)
	}
}

// A payload claiming a different network than the requirement it is
// paired with never reaches a handler. Without this guard a transaction
// confirmed on devnet could satisfy a mainnet requirement through the
// raw verify endpoint.
func TestVerifyRejectsNetworkMismatch(t *testing.T) {
	store := newMemStore()
	handler := &stubHandler{
		scheme: h402.SchemeExact, namespace: h402.NamespaceSolana,
		verify: h402.VerifyResponse{IsValid: true, TxHash: "sig", Type: h402.VerifyTypeTransaction},
	}
	f := New(store, nil, handler)

	payload := solanaPayload()
	payload.NetworkID = "solana-devnet"

	resp, err := f.Verify(context.Background(), payload, req())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("mismatched network accepted")
	}
	if !strings.Contains(resp.ErrorMessage, "does not match requirement") {
		t.Errorf("errorMessage = %q", resp.ErrorMessage)
	}
	if handler.verifyCalls != 0 {
		t.Fatal("handler invoked for mismatched payload")
	}
	if len(store.hashes) != 0 {
		t.Fatal("mismatched payload must not claim a hash")
	}
}

func TestSettleRejectsSchemeMismatch(t *testing.T) {
	store := newMemStore()
	handler := &stubHandler{
		scheme: h402.SchemeExact, namespace: h402.NamespaceSolana,
		settle: h402.SettleResponse{Success: true, TxHash: "settled", NetworkID: "solana"},
	}
	f := New(store, nil, handler)

	payload := solanaPayload()
	payload.Scheme = "subscription"

	resp, err := f.Settle(context.Background(), payload, req())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.Success {
		t.Fatal("mismatched scheme settled")
	}
	if handler.settleCalls != 0 {
		t.Fatal("handler invoked for mismatched payload")
	}
	if len(store.hashes) != 0 {
		t.Fatal("mismatched payload must not claim a hash")
	}
}

func TestVerifyHandlerError(t *testing.T) {
	handler := &stubHandler{
		scheme: h402.SchemeExact, namespace: h402.NamespaceSolana,
		verifyErr: errors.New("rpc down"),
	}
	f := New(newMemStore(), nil, handler)
	if _, err := f.Verify(context.Background(), solanaPayload(), req()); err == nil {
		t.Fatal("expected infrastructure error to propagate")
	}
}

func TestSettleClaimsBeforeSuccess(t *testing.T) {
	store := newMemStore()
	handler := &stubHandler{
		scheme: h402.SchemeExact, namespace: h402.NamespaceSolana,
		settle: h402.SettleResponse{Success: true, TxHash: "settled", NetworkID: "solana"},
	}
	f := New(store, nil, handler)

	resp, err := f.Settle(context.Background(), solanaPayload(), req())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %q", resp.ErrorMessage)
	}
	if ok, _ := store.Exists(context.Background(), "settled"); !ok {
		t.Fatal("settled hash not claimed")
	}

	_, err = f.Settle(context.Background(), solanaPayload(), req())
	if !errors.Is(err, h402.ErrTransactionUsed) {
		t.Fatalf("replayed settle: got %v, want ErrTransactionUsed", err)
	}
}

func TestSettleFailureSkipsLedger(t *testing.T) {
	store := newMemStore()
	handler := &stubHandler{
		scheme: h402.SchemeExact, namespace: h402.NamespaceSolana,
		settle: h402.SettleResponse{Success: false, TxHash: "failed", ErrorMessage: "Transaction failed or not confirmed"},
	}
	f := New(store, nil, handler)

	resp, err := f.Settle(context.Background(), solanaPayload(), req())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure")
	}
	if len(store.hashes) != 0 {
		t.Fatal("failed settlement must not claim a hash")
	}
}

func TestSupported(t *testing.T) {
	f := New(newMemStore(), nil,
		&stubHandler{scheme: h402.SchemeExact, namespace: h402.NamespaceEVM},
		&stubHandler{scheme: h402.SchemeExact, namespace: h402.NamespaceSolana},
	)
	kinds := f.Supported()
	if len(kinds) != 2 {
		t.Fatalf("len = %d, want 2", len(kinds))
	}
	seen := map[Kind]bool{}
	for _, k := range kinds {
		seen[k] = true
	}
	if !seen[Kind{Scheme: "exact", Namespace: "evm"}] || !seen[Kind{Scheme: "exact", Namespace: "solana"}] {
		t.Fatalf("kinds = %+v", kinds)
	}
}
