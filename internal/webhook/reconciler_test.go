package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/noivos/giftpay/internal/fees"
	"github.com/noivos/giftpay/internal/payments"
	"github.com/noivos/giftpay/internal/psp"
	"github.com/noivos/giftpay/internal/registry"
)

type stubGateway struct{ n int }

func (s *stubGateway) Charge(ctx context.Context, req psp.ChargeRequest) (*psp.ChargeResult, error) {
	s.n++
	return &psp.ChargeResult{GatewayTransactionID: fmt.Sprintf("gw_%d", s.n), Status: "pending"}, nil
}

// newTestReconciler wires a reconciler to a real payments service backed by
// memory stores, returning the gift store for inventory assertions.
func newTestReconciler(t *testing.T) (*Reconciler, *payments.Service, registry.Store) {
	t.Helper()

	gifts := registry.NewMemoryStore()
	now := time.Now()
	err := gifts.Create(context.Background(), &registry.GiftItem{
		ID:                "gift_1",
		TenantID:          "tenant-1",
		Name:              "Wine glasses",
		PriceCents:        8000,
		QuantityAvailable: 3,
		IsEnabled:         true,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		t.Fatalf("failed to seed gift: %v", err)
	}

	svc := payments.NewService(
		payments.NewMemoryStore(gifts), gifts, &stubGateway{}, nil,
		fees.Config{BPS: 500, Modality: fees.ModalityCouplePays}, nil)

	return NewReconciler(NewVerifier("whsec_test"), svc), svc, gifts
}

func charge(t *testing.T, svc *payments.Service) *payments.Transaction {
	t.Helper()
	txn, _, err := svc.Charge(context.Background(), payments.ChargeInput{
		TenantID:   "tenant-1",
		GiftID:     "gift_1",
		Method:     payments.MethodPix,
		PayerName:  "Elisa",
		PayerEmail: "elisa@example.com",
	})
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	return txn
}

// event builds the gateway's notification envelope for a transaction.
func event(gatewayTxnID, status string) Payload {
	return Payload{
		EventType: "charge.updated",
		Data:      PayloadData{ID: gatewayTxnID, Status: status},
	}
}

func deliver(t *testing.T, r *Reconciler, payload Payload) error {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return r.Handle(context.Background(), body, r.verifier.Sign(body), "203.0.113.9")
}

func TestReconciler_ConfirmsPaidTransaction(t *testing.T) {
	r, svc, gifts := newTestReconciler(t)
	txn := charge(t, svc)

	err := deliver(t, r, event(txn.GatewayTransactionID, "paid"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got, _ := svc.Get(context.Background(), txn.ID)
	if got.Status != payments.StatusConfirmed {
		t.Errorf("expected confirmed, got %s", got.Status)
	}

	g, _ := gifts.Get(context.Background(), "gift_1")
	if g.QuantityAvailable != 2 {
		t.Errorf("expected inventory decrement, available=%d", g.QuantityAvailable)
	}
}

func TestReconciler_StatusVocabulary(t *testing.T) {
	tests := []struct {
		status string
		want   payments.Status
	}{
		{"paid", payments.StatusConfirmed},
		{"approved", payments.StatusConfirmed},
		{"authorized", payments.StatusConfirmed},
		{"confirmed", payments.StatusConfirmed},
		{"declined", payments.StatusFailed},
		{"refused", payments.StatusFailed},
		{"failed", payments.StatusFailed},
		{"error", payments.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			r, svc, _ := newTestReconciler(t)
			txn := charge(t, svc)

			if err := deliver(t, r, event(txn.GatewayTransactionID, tt.status)); err != nil {
				t.Fatalf("Handle failed: %v", err)
			}

			got, _ := svc.Get(context.Background(), txn.ID)
			if got.Status != tt.want {
				t.Errorf("status %q: expected %s, got %s", tt.status, tt.want, got.Status)
			}
		})
	}
}

func TestReconciler_DeclineReasonFromErrorMessage(t *testing.T) {
	r, svc, _ := newTestReconciler(t)
	txn := charge(t, svc)

	payload := event(txn.GatewayTransactionID, "declined")
	payload.Data.ErrorMessage = "insufficient_funds"
	if err := deliver(t, r, payload); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got, _ := svc.Get(context.Background(), txn.ID)
	if got.FailureReason != "insufficient_funds" {
		t.Errorf("expected error_message as failure reason, got %q", got.FailureReason)
	}
}

func TestReconciler_DuplicateDeliveryIsIdempotent(t *testing.T) {
	r, svc, gifts := newTestReconciler(t)
	txn := charge(t, svc)

	for i := 0; i < 3; i++ {
		if err := deliver(t, r, event(txn.GatewayTransactionID, "paid")); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}

	g, _ := gifts.Get(context.Background(), "gift_1")
	if g.QuantitySold != 1 {
		t.Errorf("duplicates must decrement once, sold=%d", g.QuantitySold)
	}
}

func TestReconciler_FailAfterConfirmDoesNotFlip(t *testing.T) {
	r, svc, _ := newTestReconciler(t)
	txn := charge(t, svc)

	if err := deliver(t, r, event(txn.GatewayTransactionID, "paid")); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if err := deliver(t, r, event(txn.GatewayTransactionID, "declined")); err != nil {
		t.Fatalf("late decline must be consumed: %v", err)
	}

	got, _ := svc.Get(context.Background(), txn.ID)
	if got.Status != payments.StatusConfirmed {
		t.Errorf("terminal status must not flip, got %s", got.Status)
	}
}

func TestReconciler_UnknownTransactionIsConsumed(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	if err := deliver(t, r, event("gw_unknown", "paid")); err != nil {
		t.Errorf("unknown transaction must be acknowledged, got %v", err)
	}
}

func TestReconciler_UnknownStatusIsConsumed(t *testing.T) {
	r, svc, _ := newTestReconciler(t)
	txn := charge(t, svc)

	if err := deliver(t, r, event(txn.GatewayTransactionID, "chargeback_opened")); err != nil {
		t.Errorf("unknown status must be acknowledged, got %v", err)
	}

	got, _ := svc.Get(context.Background(), txn.ID)
	if got.Status != payments.StatusPending {
		t.Errorf("unknown status must not change the transaction, got %s", got.Status)
	}
}

func TestReconciler_InvalidSignature(t *testing.T) {
	r, svc, _ := newTestReconciler(t)
	txn := charge(t, svc)

	body, _ := json.Marshal(event(txn.GatewayTransactionID, "paid"))
	err := r.Handle(context.Background(), body, "deadbeef", "203.0.113.9")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	got, _ := svc.Get(context.Background(), txn.ID)
	if got.Status != payments.StatusPending {
		t.Errorf("unsigned delivery must not settle, got %s", got.Status)
	}
}

func TestReconciler_TamperedBody(t *testing.T) {
	r, svc, _ := newTestReconciler(t)
	txn := charge(t, svc)

	body, _ := json.Marshal(event(txn.GatewayTransactionID, "declined"))
	sig := r.verifier.Sign(body)

	tampered, _ := json.Marshal(event(txn.GatewayTransactionID, "paid"))
	if err := r.Handle(context.Background(), tampered, sig, "203.0.113.9"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	got, _ := svc.Get(context.Background(), txn.ID)
	if got.Status != payments.StatusPending {
		t.Errorf("tampered delivery must not settle, got %s", got.Status)
	}
}

func TestReconciler_MissingFields(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	for _, payload := range []Payload{
		{EventType: "charge.updated", Data: PayloadData{Status: "paid"}},
		{EventType: "charge.updated", Data: PayloadData{ID: "gw_1"}},
		{Data: PayloadData{ID: "gw_1", Status: "paid"}},
	} {
		if err := deliver(t, r, payload); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("payload %+v: expected ErrInvalidPayload, got %v", payload, err)
		}
	}

	body := []byte(`{not json`)
	if err := r.Handle(context.Background(), body, r.verifier.Sign(body), "203.0.113.9"); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for malformed JSON, got %v", err)
	}
}
