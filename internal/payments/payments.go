// Package payments orchestrates gift purchases: fee calculation, idempotent
// transaction creation, charging the payment gateway, and settling final
// state when gateway webhooks arrive.
//
// A transaction is created in status "pending" before the gateway is
// called. The gateway's synchronous answer only moves it to "failed" on a
// business decline; confirmation always comes through the webhook path,
// which is the authority on payment outcome.
package payments

import (
	"errors"
	"time"
)

var (
	// ErrTransactionNotFound is returned when no transaction matches the lookup.
	ErrTransactionNotFound = errors.New("payments: transaction not found")

	// ErrGiftUnavailable is returned when the gift is disabled or sold out.
	ErrGiftUnavailable = errors.New("payments: gift unavailable")

	// ErrAlreadyFinal is returned when a confirm or fail targets a
	// transaction that already reached a terminal status.
	ErrAlreadyFinal = errors.New("payments: transaction already in a final status")

	// ErrGatewayUnavailable is returned when the gateway circuit is open.
	ErrGatewayUnavailable = errors.New("payments: payment gateway unavailable")
)

// Status is the lifecycle state of a transaction.
// Transitions: pending -> confirmed, pending -> failed. Terminal states
// never change again; duplicate webhook deliveries are no-ops.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// IsFinal reports whether the status is terminal.
func (s Status) IsFinal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// PaymentMethod is how the guest pays.
type PaymentMethod string

const (
	MethodCard PaymentMethod = "card"
	MethodPix  PaymentMethod = "pix"
)

// Valid reports whether the method is one we accept.
func (m PaymentMethod) Valid() bool {
	return m == MethodCard || m == MethodPix
}

// Transaction records one gift purchase attempt. All money amounts are
// integer cents, and the fee fields are a snapshot of the fee policy at
// charge time so later policy changes never rewrite history.
type Transaction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	GiftID   string `json:"gift_id"`
	GiftName string `json:"gift_name"`

	Status        Status        `json:"status"`
	PaymentMethod PaymentMethod `json:"payment_method"`

	DisplayPriceCents   int64  `json:"display_price_cents"`
	GrossAmountCents    int64  `json:"gross_amount_cents"`
	FeeAmountCents      int64  `json:"fee_amount_cents"`
	NetAmountCents      int64  `json:"net_amount_cents"`
	PlatformAmountCents int64  `json:"platform_amount_cents"`
	FeeBPS              int    `json:"fee_bps"`
	FeeModality         string `json:"fee_modality"`
	Currency            string `json:"currency"`

	PayerName  string `json:"payer_name"`
	PayerEmail string `json:"payer_email"`

	GatewayTransactionID string     `json:"gateway_transaction_id,omitempty"`
	PixQRCode            string     `json:"pix_qr_code,omitempty"`
	PixCopyPaste         string     `json:"pix_copy_paste,omitempty"`
	PixExpiresAt         *time.Time `json:"pix_expires_at,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty"`

	// GatewayResponse is the provider's raw charge response, kept for
	// audit. It is never rendered to API clients.
	GatewayResponse []byte `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Event is published to the realtime feed when a transaction changes state.
type Event struct {
	Type          string    `json:"type"` // transaction_created, transaction_confirmed, transaction_failed
	TransactionID string    `json:"transaction_id"`
	GiftID        string    `json:"gift_id"`
	GiftName      string    `json:"gift_name"`
	Status        Status    `json:"status"`
	AmountCents   int64     `json:"amount_cents"`
	At            time.Time `json:"at"`
}

// EventSink receives transaction lifecycle events. Implementations must
// not block; the service publishes on the request path.
type EventSink interface {
	Publish(event Event)
}
