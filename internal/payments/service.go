package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/noivos/giftpay/internal/circuitbreaker"
	"github.com/noivos/giftpay/internal/fees"
	"github.com/noivos/giftpay/internal/idgen"
	"github.com/noivos/giftpay/internal/logging"
	"github.com/noivos/giftpay/internal/psp"
	"github.com/noivos/giftpay/internal/registry"
	"github.com/noivos/giftpay/internal/traces"
)

// GatewayClient creates charges at the payment provider.
type GatewayClient interface {
	Charge(ctx context.Context, req psp.ChargeRequest) (*psp.ChargeResult, error)
}

// ChargeInput is everything needed to start a gift purchase.
type ChargeInput struct {
	TenantID       string
	GiftID         string
	Method         PaymentMethod
	PayerName      string
	PayerEmail     string
	CardToken      string
	IdempotencyKey string
}

// Service implements the purchase lifecycle on top of a Store, a gift
// registry, and a gateway client.
type Service struct {
	store   Store
	gifts   registry.Store
	gateway GatewayClient
	breaker *circuitbreaker.Breaker
	feeCfg  fees.Config
	events  EventSink
}

// NewService creates a payments service. events may be nil.
func NewService(store Store, gifts registry.Store, gateway GatewayClient, breaker *circuitbreaker.Breaker, feeCfg fees.Config, events EventSink) *Service {
	return &Service{
		store:   store,
		gifts:   gifts,
		gateway: gateway,
		breaker: breaker,
		feeCfg:  feeCfg,
		events:  events,
	}
}

// Charge creates a transaction for the gift and asks the gateway to charge
// the payer. The transaction stays pending until the gateway webhook
// settles it; only a synchronous business decline marks it failed here.
//
// When the idempotency key was already used, the original transaction is
// returned with created=false and no new charge is made.
func (s *Service) Charge(ctx context.Context, in ChargeInput) (txn *Transaction, created bool, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Charge",
		traces.GiftID(in.GiftID), traces.PaymentMethod(string(in.Method)))
	defer span.End()

	defer observeOp("charge")()

	// A reserved idempotency key short-circuits everything, including gift
	// validation: the retry of a charge that consumed the last unit, or of
	// one whose gift was later disabled, still gets its original response.
	if in.IdempotencyKey != "" {
		stored, err := s.store.GetByKey(ctx, in.IdempotencyKey)
		if err == nil {
			logging.L(ctx).Info("idempotent charge replay",
				"transaction_id", stored.ID, "idempotency_key", in.IdempotencyKey)
			return stored, false, nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	if !in.Method.Valid() {
		return nil, false, fmt.Errorf("payments: invalid payment method %q", in.Method)
	}

	gift, err := s.gifts.Get(ctx, in.GiftID)
	if err != nil {
		if errors.Is(err, registry.ErrGiftNotFound) {
			return nil, false, ErrGiftUnavailable
		}
		return nil, false, fmt.Errorf("failed to load gift: %w", err)
	}
	if gift.TenantID != in.TenantID || !gift.Purchasable() {
		return nil, false, ErrGiftUnavailable
	}

	breakdown, err := fees.Calculate(gift.PriceCents, s.feeCfg.BPS, s.feeCfg.Modality)
	if err != nil {
		return nil, false, fmt.Errorf("failed to calculate fees: %w", err)
	}

	now := time.Now()
	txn = &Transaction{
		ID:                  idgen.WithPrefix("txn_"),
		TenantID:            in.TenantID,
		GiftID:              gift.ID,
		GiftName:            gift.Name,
		Status:              StatusPending,
		PaymentMethod:       in.Method,
		DisplayPriceCents:   breakdown.DisplayPrice,
		GrossAmountCents:    breakdown.GrossAmount,
		FeeAmountCents:      breakdown.FeeAmount,
		NetAmountCents:      breakdown.NetAmountCouple,
		PlatformAmountCents: breakdown.PlatformAmount,
		FeeBPS:              s.feeCfg.BPS,
		FeeModality:         string(s.feeCfg.Modality),
		Currency:            "BRL",
		PayerName:           strings.TrimSpace(in.PayerName),
		PayerEmail:          strings.TrimSpace(in.PayerEmail),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	stored, isNew, err := s.store.CreateWithKey(ctx, txn, in.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create transaction: %w", err)
	}
	if !isNew {
		logging.L(ctx).Info("idempotent charge replay",
			"transaction_id", stored.ID, "idempotency_key", in.IdempotencyKey)
		return stored, false, nil
	}
	txn = stored
	span.SetAttributes(traces.TransactionID(txn.ID), traces.AmountCents(txn.GrossAmountCents))

	s.publish("transaction_created", txn)

	if s.breaker != nil && !s.breaker.Allow() {
		// Leave the transaction pending; the caller can retry the same
		// idempotency key once the gateway recovers.
		return txn, true, ErrGatewayUnavailable
	}

	result, err := s.gateway.Charge(ctx, psp.ChargeRequest{
		AmountCents: txn.GrossAmountCents,
		Currency:    txn.Currency,
		Method:      string(txn.PaymentMethod),
		CardToken:   in.CardToken,
		PayerName:   txn.PayerName,
		PayerEmail:  txn.PayerEmail,
		Reference:   txn.ID,
		Description: gift.Name,
	})
	if err != nil {
		var pspErr *psp.Error
		if errors.As(err, &pspErr) {
			// Business decline: the gateway gave a definitive no.
			if s.breaker != nil {
				s.breaker.RecordSuccess()
			}
			reason := pspErr.Message
			if reason == "" {
				reason = pspErr.Code
			}
			failed, markErr := s.store.MarkFailed(ctx, txn.ID, reason)
			if markErr != nil && markErr != ErrAlreadyFinal {
				logging.L(ctx).Error("failed to mark declined transaction",
					"transaction_id", txn.ID, "error", markErr)
				return txn, true, markErr
			}
			chargesTotal(string(txn.PaymentMethod), "declined")
			s.publish("transaction_failed", failed)
			logging.L(ctx).Info("charge declined",
				"transaction_id", txn.ID, "code", pspErr.Code)
			return failed, true, err
		}

		// Transport failure or timeout: the outcome is unknown, so the
		// transaction stays pending and the webhook decides its fate.
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		span.SetStatus(codes.Error, "gateway call failed")
		logging.L(ctx).Warn("gateway charge failed, transaction left pending",
			"transaction_id", txn.ID, "error", err)
		return txn, true, fmt.Errorf("gateway charge failed: %w", err)
	}

	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}

	if err := s.store.AttachGatewayResult(ctx, txn.ID, result); err != nil {
		return txn, true, fmt.Errorf("failed to attach gateway result: %w", err)
	}
	txn.GatewayTransactionID = result.GatewayTransactionID
	txn.PixQRCode = result.PixQRCode
	txn.PixCopyPaste = result.PixCopyPaste
	txn.PixExpiresAt = result.PixExpiresAt
	txn.GatewayResponse = result.Raw

	chargesTotal(string(txn.PaymentMethod), "created")
	logging.L(ctx).Info("charge created",
		"transaction_id", txn.ID,
		"gift_id", txn.GiftID,
		"gateway_transaction_id", txn.GatewayTransactionID,
		"gross_amount_cents", txn.GrossAmountCents)

	return txn, true, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByGift returns recent transactions for a gift.
func (s *Service) ListByGift(ctx context.Context, giftID string, limit int) ([]*Transaction, error) {
	return s.store.ListByGift(ctx, giftID, limit)
}

// ConfirmGateway settles a payment reported as paid by the gateway.
// Duplicate confirmations return the stored transaction without error.
func (s *Service) ConfirmGateway(ctx context.Context, gatewayTxnID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "payments.ConfirmGateway",
		traces.GatewayTransactionID(gatewayTxnID))
	defer span.End()

	defer observeOp("confirm")()

	result, err := s.store.Confirm(ctx, gatewayTxnID)
	if err == ErrAlreadyFinal {
		logging.L(ctx).Info("duplicate settlement ignored",
			"gateway_transaction_id", gatewayTxnID,
			"status", result.Transaction.Status)
		return result.Transaction, nil
	}
	if err != nil {
		return nil, err
	}

	txn := result.Transaction
	if result.SoldOut {
		transactionsSettled("failed_sold_out")
		s.publish("transaction_failed", txn)
		logging.L(ctx).Warn("payment confirmed for sold-out gift, transaction failed",
			"transaction_id", txn.ID, "gift_id", txn.GiftID)
		return txn, nil
	}

	transactionsSettled("confirmed")
	s.publish("transaction_confirmed", txn)
	logging.L(ctx).Info("transaction confirmed",
		"transaction_id", txn.ID,
		"gift_id", txn.GiftID,
		"net_amount_cents", txn.NetAmountCents)
	return txn, nil
}

// FailGateway settles a payment reported as failed by the gateway.
func (s *Service) FailGateway(ctx context.Context, gatewayTxnID, reason string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "payments.FailGateway",
		traces.GatewayTransactionID(gatewayTxnID))
	defer span.End()

	defer observeOp("fail")()

	txn, err := s.store.Fail(ctx, gatewayTxnID, reason)
	if err == ErrAlreadyFinal {
		logging.L(ctx).Info("duplicate settlement ignored",
			"gateway_transaction_id", gatewayTxnID, "status", txn.Status)
		return txn, nil
	}
	if err != nil {
		return nil, err
	}

	transactionsSettled("failed")
	s.publish("transaction_failed", txn)
	logging.L(ctx).Info("transaction failed",
		"transaction_id", txn.ID, "reason", reason)
	return txn, nil
}

func (s *Service) publish(eventType string, txn *Transaction) {
	if s.events == nil || txn == nil {
		return
	}
	s.events.Publish(Event{
		Type:          eventType,
		TransactionID: txn.ID,
		GiftID:        txn.GiftID,
		GiftName:      txn.GiftName,
		Status:        txn.Status,
		AmountCents:   txn.GrossAmountCents,
		At:            time.Now(),
	})
}
