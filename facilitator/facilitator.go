// Package facilitator wires scheme handlers and the replay ledger into
// the verify/settle service facade exposed over HTTP.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	h402 "github.com/bit-gpt/h402-go"
	"github.com/bit-gpt/h402-go/internal/metrics"
	"github.com/bit-gpt/h402-go/ledger"
)

// Handler verifies and settles payments for one (scheme, namespace)
// pair. Rejections are carried in the response; a non-nil error means
// infrastructure failure (RPC outage, ledger down), never "payment bad".
type Handler interface {
	Scheme() string
	Namespace() string
	Verify(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.VerifyResponse, error)
	Settle(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.SettleResponse, error)
}

// Key identifies a registered handler.
type Key struct {
	Scheme    string
	Namespace string
}

// Kind describes one supported payment kind, as reported by /supported.
type Kind struct {
	Scheme    string `json:"scheme"`
	Namespace string `json:"namespace"`
}

// Facilitator dispatches payments to scheme handlers and guards the
// replay ledger. A transaction hash enters the ledger exactly once, and
// only after the payment it proves has been accepted.
type Facilitator struct {
	handlers map[Key]Handler
	store    ledger.Store
	log      *zap.Logger
}

// New creates a Facilitator. Handlers registering the same
// (scheme, namespace) pair overwrite each other; last wins.
func New(store ledger.Store, log *zap.Logger, handlers ...Handler) *Facilitator {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Facilitator{
		handlers: make(map[Key]Handler, len(handlers)),
		store:    store,
		log:      log,
	}
	for _, h := range handlers {
		f.handlers[Key{Scheme: h.Scheme(), Namespace: h.Namespace()}] = h
	}
	return f
}

// Supported lists the registered payment kinds.
func (f *Facilitator) Supported() []Kind {
	kinds := make([]Kind, 0, len(f.handlers))
	for key := range f.handlers {
		kinds = append(kinds, Kind{Scheme: key.Scheme, Namespace: key.Namespace})
	}
	return kinds
}

// Health reports ledger connectivity.
func (f *Facilitator) Health(ctx context.Context) error {
	return f.store.Ping(ctx)
}

func (f *Facilitator) handler(payload *h402.PaymentPayload) (Handler, bool) {
	h, ok := f.handlers[Key{Scheme: payload.Scheme, Namespace: payload.Namespace}]
	return h, ok
}

// mismatch rejects payloads whose (scheme, namespace, networkId) triple
// disagrees with the requirement they claim to satisfy. Handlers resolve
// chain access from the requirement, so a payload naming a different
// network must never reach them. The check also guards the raw HTTP
// endpoints, where the caller pairs payload and requirement directly.
func mismatch(payload *h402.PaymentPayload, req *h402.PaymentRequirements) string {
	if payload.Scheme != req.Scheme || payload.Namespace != req.Namespace || payload.NetworkID != req.NetworkID {
		return fmt.Sprintf("Payment %s/%s on network %s does not match requirement %s/%s on network %s",
			payload.Scheme, payload.Namespace, payload.NetworkID,
			req.Scheme, req.Namespace, req.NetworkID)
	}
	return ""
}

// Verify dispatches to the scheme handler and, for payments that consume
// an on-chain transaction, claims the hash in the ledger. A hash already
// claimed fails with h402.ErrTransactionUsed.
func (f *Facilitator) Verify(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.VerifyResponse, error) {
	if msg := mismatch(payload, req); msg != "" {
		metrics.VerifyTotal.WithLabelValues(payload.Namespace, "invalid").Inc()
		f.log.Warn("payment rejected",
			zap.String("namespace", payload.Namespace),
			zap.String("network", payload.NetworkID),
			zap.String("reason", msg))
		return h402.VerifyResponse{IsValid: false, ErrorMessage: msg}, nil
	}
	handler, ok := f.handler(payload)
	if !ok {
		return h402.VerifyResponse{
			IsValid:      false,
			ErrorMessage: fmt.Sprintf("Unsupported scheme: %s/%s", payload.Scheme, payload.Namespace),
		}, nil
	}

	start := time.Now()
	resp, err := handler.Verify(ctx, payload, req)
	metrics.VerifyDuration.WithLabelValues(payload.Namespace).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.VerifyTotal.WithLabelValues(payload.Namespace, "error").Inc()
		return h402.VerifyResponse{}, err
	}
	if !resp.IsValid {
		metrics.VerifyTotal.WithLabelValues(payload.Namespace, "invalid").Inc()
		f.log.Info("payment rejected",
			zap.String("namespace", payload.Namespace),
			zap.String("network", payload.NetworkID),
			zap.String("reason", resp.ErrorMessage))
		return resp, nil
	}

	// Claim the hash before reporting success. Payload-type results have
	// no hash yet; their hash is claimed at settlement.
	if resp.TxHash != "" {
		if err := f.claim(ctx, resp.TxHash); err != nil {
			return h402.VerifyResponse{}, err
		}
	}

	metrics.VerifyTotal.WithLabelValues(payload.Namespace, "valid").Inc()
	f.log.Info("payment verified",
		zap.String("namespace", payload.Namespace),
		zap.String("network", payload.NetworkID),
		zap.String("txHash", resp.TxHash),
		zap.String("type", resp.Type))
	return resp, nil
}

// Settle dispatches to the scheme handler and claims the settled hash.
// The ledger insert happens before success is reported, so a crash
// between the two leaves the hash burned rather than replayable.
func (f *Facilitator) Settle(ctx context.Context, payload *h402.PaymentPayload, req *h402.PaymentRequirements) (h402.SettleResponse, error) {
	if msg := mismatch(payload, req); msg != "" {
		metrics.SettleTotal.WithLabelValues(payload.Namespace, "failure").Inc()
		return h402.SettleResponse{
			Success:      false,
			NetworkID:    req.NetworkID,
			ErrorMessage: msg,
		}, nil
	}
	handler, ok := f.handler(payload)
	if !ok {
		return h402.SettleResponse{
			Success:      false,
			NetworkID:    payload.NetworkID,
			ErrorMessage: fmt.Sprintf("Unsupported scheme: %s/%s", payload.Scheme, payload.Namespace),
		}, nil
	}

	start := time.Now()
	resp, err := handler.Settle(ctx, payload, req)
	metrics.SettleDuration.WithLabelValues(payload.Namespace).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SettleTotal.WithLabelValues(payload.Namespace, "error").Inc()
		return h402.SettleResponse{}, err
	}
	if !resp.Success {
		metrics.SettleTotal.WithLabelValues(payload.Namespace, "failure").Inc()
		return resp, nil
	}

	if resp.TxHash != "" {
		if err := f.claim(ctx, resp.TxHash); err != nil {
			return h402.SettleResponse{}, err
		}
	}

	metrics.SettleTotal.WithLabelValues(payload.Namespace, "success").Inc()
	f.log.Info("payment settled",
		zap.String("namespace", payload.Namespace),
		zap.String("network", resp.NetworkID),
		zap.String("txHash", resp.TxHash))
	return resp, nil
}

func (f *Facilitator) claim(ctx context.Context, txHash string) error {
	err := f.store.Insert(ctx, txHash)
	if err == nil {
		return nil
	}
	if errors.Is(err, h402.ErrTransactionUsed) {
		metrics.ReplayConflicts.Inc()
		f.log.Warn("replayed transaction rejected", zap.String("txHash", txHash))
		return h402.ErrTransactionUsed
	}
	return fmt.Errorf("ledger insert failed: %w", err)
}
