package payments

import (
	"context"
	"time"

	"github.com/noivos/giftpay/internal/psp"
)

// DefaultKeyTTL is how long an idempotency key replays its cached
// response when no TTL is configured.
const DefaultKeyTTL = 24 * time.Hour

// ConfirmResult reports what a webhook settlement did to a transaction.
type ConfirmResult struct {
	Transaction *Transaction
	// SoldOut is true when the gift ran out of stock between charge and
	// confirmation; the transaction was marked failed instead of confirmed.
	SoldOut bool
}

// Store persists transactions and idempotency keys.
//
// Confirm and Fail look transactions up by the gateway's transaction ID
// because that is the only identifier webhook payloads carry.
type Store interface {
	// CreateWithKey inserts the transaction and claims the idempotency key
	// in one atomic step. If the key was already claimed, the previously
	// created transaction is returned with created=false and the new
	// transaction is discarded. An empty key skips idempotency entirely.
	CreateWithKey(ctx context.Context, txn *Transaction, key string) (stored *Transaction, created bool, err error)

	// GetByKey returns the response snapshot cached under an unexpired
	// idempotency key, or ErrTransactionNotFound when the key is free.
	GetByKey(ctx context.Context, key string) (*Transaction, error)

	Get(ctx context.Context, id string) (*Transaction, error)
	GetByGatewayID(ctx context.Context, gatewayTxnID string) (*Transaction, error)
	ListByGift(ctx context.Context, giftID string, limit int) ([]*Transaction, error)

	// AttachGatewayResult records the gateway's synchronous answer on a
	// pending transaction, including the provider's raw response and the
	// PIX payload, and refreshes the cached idempotency snapshot.
	AttachGatewayResult(ctx context.Context, id string, res *psp.ChargeResult) error

	// MarkFailed moves a pending transaction to failed with a reason.
	// Returns ErrAlreadyFinal if the transaction is already terminal.
	MarkFailed(ctx context.Context, id, reason string) (*Transaction, error)

	// Confirm settles a payment: it decrements the gift's inventory and
	// marks the transaction confirmed in one atomic step. If the gift is
	// sold out the transaction is marked failed instead and SoldOut is set.
	// Returns ErrTransactionNotFound for unknown gateway IDs and
	// ErrAlreadyFinal (with the stored transaction) for duplicates.
	Confirm(ctx context.Context, gatewayTxnID string) (*ConfirmResult, error)

	// Fail marks the transaction failed by gateway ID. Same not-found and
	// already-final semantics as Confirm.
	Fail(ctx context.Context, gatewayTxnID, reason string) (*Transaction, error)

	// DeleteExpiredKeys removes idempotency keys whose expiry has passed
	// as of now and returns how many were removed. Transactions are never
	// deleted.
	DeleteExpiredKeys(ctx context.Context, now time.Time) (int64, error)
}
