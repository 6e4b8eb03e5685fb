package solana

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/internal/solanautil"
)

type fakeFetcher struct {
	txs map[solana.Signature]*ConfirmedTransaction
}

func (f *fakeFetcher) FetchTransaction(_ context.Context, sig solana.Signature) (*ConfirmedTransaction, error) {
	tx, ok := f.txs[sig]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

func testSignature(b byte) solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = b
	}
	return sig
}

func tokenTransferData(tag byte, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:9], amount)
	return data
}

var (
	payTo = solana.MustPublicKeyFromBase58("7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")
	payer = solana.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")
	usdc  = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	wsol  = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

// nativeTx moves lamports from payer to payTo.
func nativeTx(amount uint64) *ConfirmedTransaction {
	return &ConfirmedTransaction{
		AccountKeys:  []solana.PublicKey{payer, payTo, solana.SystemProgramID},
		PreBalances:  []uint64{10_000_000, 500, 1},
		PostBalances: []uint64{10_000_000 - amount - 5000, 500 + amount, 1},
	}
}

func tokenTx(t *testing.T, mint solana.PublicKey, tag byte, amount uint64, destOverride *solana.PublicKey) *ConfirmedTransaction {
	t.Helper()
	sourceATA, err := solanautil.AssociatedTokenAddress(payer, mint)
	if err != nil {
		t.Fatalf("ata: %v", err)
	}
	destATA, err := solanautil.AssociatedTokenAddress(payTo, mint)
	if err != nil {
		t.Fatalf("ata: %v", err)
	}
	if destOverride != nil {
		destATA = *destOverride
	}

	var accounts []solana.PublicKey
	if tag == 12 {
		accounts = []solana.PublicKey{sourceATA, mint, destATA, payer}
	} else {
		accounts = []solana.PublicKey{sourceATA, destATA, payer}
	}
	return &ConfirmedTransaction{
		AccountKeys:  []solana.PublicKey{payer, sourceATA, destATA, solana.TokenProgramID},
		PreBalances:  []uint64{1, 1, 1, 1},
		PostBalances: []uint64{1, 1, 1, 1},
		Instructions: []Instruction{{
			ProgramID: solana.TokenProgramID,
			Accounts:  accounts,
			Data:      tokenTransferData(tag, amount),
		}},
	}
}

func nativeRequirement(amount string) *h402.PaymentRequirements {
	return &h402.PaymentRequirements{
		Scheme:         h402.SchemeExact,
		Namespace:      h402.NamespaceSolana,
		NetworkID:      "solana",
		TokenAddress:   h402.SolanaNativeAsset,
		AmountRequired: h402.Amount(amount),
		PayToAddress:   payTo.String(),
	}
}

func tokenRequirement(amount string) *h402.PaymentRequirements {
	req := nativeRequirement(amount)
	req.TokenAddress = usdc.String()
	return req
}

func transferPayload(payloadType string, sig solana.Signature, mint string) *h402.PaymentPayload {
	return &h402.PaymentPayload{
		H402Version: h402.H402Version,
		Scheme:      h402.SchemeExact,
		Namespace:   h402.NamespaceSolana,
		NetworkID:   "solana",
		Payload:     &h402.SolanaTransferPayload{Type: payloadType, Signature: sig.String(), Mint: mint},
	}
}

func newTestHandler(txs map[solana.Signature]*ConfirmedTransaction) *Handler {
	return NewHandler(h402.DefaultNetworks(), WithFetcher("solana", &fakeFetcher{txs: txs}))
}

func TestVerifyNativeTransfer(t *testing.T) {
	sigOK := testSignature(1)
	sigLow := testSignature(2)
	h := newTestHandler(map[solana.Signature]*ConfirmedTransaction{
		sigOK:  nativeTx(1_000_000),
		sigLow: nativeTx(999_999),
	})
	req := nativeRequirement("1000000")

	resp, err := h.Verify(context.Background(), transferPayload(h402.PayloadTypeNativeTransfer, sigOK, ""), req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got %q", resp.ErrorMessage)
	}
	if resp.Type != h402.VerifyTypeTransaction {
		t.Errorf("type = %q, want transaction", resp.Type)
	}
	if resp.TxHash != sigOK.String() {
		t.Errorf("txHash = %q, want %q", resp.TxHash, sigOK.String())
	}
	if resp.Payer != payer.String() {
		t.Errorf("payer = %q, want %q", resp.Payer, payer.String())
	}

	resp, err = h.Verify(context.Background(), transferPayload(h402.PayloadTypeNativeTransfer, sigLow, ""), req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected one-lamport shortfall to be rejected")
	}
	if resp.ErrorMessage != "Insufficient payment: required 1000000, got 999999" {
		t.Errorf("errorMessage = %q", resp.ErrorMessage)
	}
}

func TestVerifyTokenTransfer(t *testing.T) {
	sigTransfer := testSignature(3)
	sigChecked := testSignature(4)
	sigWrongMint := testSignature(5)
	sigWrongDest := testSignature(6)

	other := solana.NewWallet().PublicKey()
	h := newTestHandler(map[solana.Signature]*ConfirmedTransaction{
		sigTransfer:  tokenTx(t, usdc, 3, 1_000_000, nil),
		sigChecked:   tokenTx(t, usdc, 12, 1_000_000, nil),
		sigWrongMint: tokenTx(t, wsol, 12, 1_000_000, nil),
		sigWrongDest: tokenTx(t, usdc, 3, 1_000_000, &other),
	})
	req := tokenRequirement("1000000")

	for _, tt := range []struct {
		name  string
		sig   solana.Signature
		valid bool
	}{
		{"plain transfer to recipient ATA", sigTransfer, true},
		{"transferChecked to recipient ATA", sigChecked, true},
		{"transferChecked names other mint", sigWrongMint, false},
		{"transfer to other account", sigWrongDest, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := h.Verify(context.Background(), transferPayload(h402.PayloadTypeTokenTransfer, tt.sig, usdc.String()), req)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if resp.IsValid != tt.valid {
				t.Fatalf("isValid = %v, want %v (%s)", resp.IsValid, tt.valid, resp.ErrorMessage)
			}
		})
	}
}

func TestVerifySignAndSend(t *testing.T) {
	sig := testSignature(7)
	h := newTestHandler(map[solana.Signature]*ConfirmedTransaction{sig: nativeTx(1_000_000)})
	req := nativeRequirement("1000000")

	payload := &h402.PaymentPayload{
		Scheme: h402.SchemeExact, Namespace: h402.NamespaceSolana, NetworkID: "solana",
		Payload: &h402.SolanaSignAndSendPayload{
			Type:        h402.PayloadTypeSignAndSend,
			Signature:   sig.String(),
			Transaction: h402.SolanaEchoedTransaction{Signature: sig.String()},
		},
	}
	resp, err := h.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got %q", resp.ErrorMessage)
	}

	mismatched := &h402.PaymentPayload{
		Scheme: h402.SchemeExact, Namespace: h402.NamespaceSolana, NetworkID: "solana",
		Payload: &h402.SolanaSignAndSendPayload{
			Type:        h402.PayloadTypeSignAndSend,
			Signature:   sig.String(),
			Transaction: h402.SolanaEchoedTransaction{Signature: testSignature(8).String()},
		},
	}
	resp, err = h.Verify(context.Background(), mismatched, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected mismatch rejection")
	}
	if resp.ErrorMessage != "Signature mismatch between payload and transaction" {
		t.Errorf("errorMessage = %q", resp.ErrorMessage)
	}
}

func TestVerifyRejections(t *testing.T) {
	sigFailed := testSignature(9)
	failed := nativeTx(1_000_000)
	failed.Failed = true
	h := newTestHandler(map[solana.Signature]*ConfirmedTransaction{sigFailed: failed})
	req := nativeRequirement("1000000")

	t.Run("sign message", func(t *testing.T) {
		payload := &h402.PaymentPayload{
			Scheme: h402.SchemeExact, Namespace: h402.NamespaceSolana, NetworkID: "solana",
			Payload: &h402.SolanaSignMessagePayload{Type: h402.PayloadTypeSignMessage, Message: "m", Signature: "s"},
		}
		resp, err := h.Verify(context.Background(), payload, req)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if resp.IsValid || resp.ErrorMessage != "SignMessage payloads cannot be verified as transactions" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("not found", func(t *testing.T) {
		resp, err := h.Verify(context.Background(), transferPayload(h402.PayloadTypeNativeTransfer, testSignature(10), ""), req)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if resp.IsValid || resp.ErrorMessage != "Transaction not found" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("failed transaction", func(t *testing.T) {
		resp, err := h.Verify(context.Background(), transferPayload(h402.PayloadTypeNativeTransfer, sigFailed, ""), req)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if resp.IsValid || resp.ErrorMessage != "Transaction failed or not confirmed" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("unsupported network", func(t *testing.T) {
		badReq := nativeRequirement("1000000")
		badReq.NetworkID = "aptos"
		resp, err := h.Verify(context.Background(), transferPayload(h402.PayloadTypeNativeTransfer, testSignature(1), ""), badReq)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if resp.IsValid || !strings.Contains(resp.ErrorMessage, "Unsupported network") {
			t.Fatalf("resp = %+v", resp)
		}
	})
}

// The cluster a proof is checked against comes from the requirement. A
// transaction that only exists on devnet must not satisfy a mainnet
// requirement, whatever network the payload claims.
func TestVerifyChecksRequirementCluster(t *testing.T) {
	sig := testSignature(21)
	h := NewHandler(h402.DefaultNetworks(),
		WithFetcher("solana", &fakeFetcher{}),
		WithFetcher("solana-devnet", &fakeFetcher{txs: map[solana.Signature]*ConfirmedTransaction{
			sig: nativeTx(1_000_000),
		}}),
	)
	req := nativeRequirement("1000000")

	payload := transferPayload(h402.PayloadTypeNativeTransfer, sig, "")
	payload.NetworkID = "solana-devnet"

	resp, err := h.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatalf("devnet transaction accepted for mainnet requirement: %+v", resp)
	}
	if resp.ErrorMessage != "Transaction not found" {
		t.Errorf("error = %q", resp.ErrorMessage)
	}

	// The same proof against a devnet requirement verifies fine.
	devReq := nativeRequirement("1000000")
	devReq.NetworkID = "solana-devnet"
	resp, err = h.Verify(context.Background(), payload, devReq)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("devnet requirement rejected: %q", resp.ErrorMessage)
	}
}

func TestSettleMirrorsVerify(t *testing.T) {
	sig := testSignature(11)
	h := newTestHandler(map[solana.Signature]*ConfirmedTransaction{sig: nativeTx(2_000_000)})
	req := nativeRequirement("1000000")

	resp, err := h.Settle(context.Background(), transferPayload(h402.PayloadTypeNativeTransfer, sig, ""), req)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %q", resp.ErrorMessage)
	}
	if resp.TxHash != sig.String() {
		t.Errorf("txHash = %q", resp.TxHash)
	}
	if resp.NetworkID != "solana" {
		t.Errorf("networkId = %q", resp.NetworkID)
	}

	fail, err := h.Settle(context.Background(), transferPayload(h402.PayloadTypeNativeTransfer, testSignature(12), ""), req)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if fail.Success {
		t.Fatal("expected failure for unknown signature")
	}
}
