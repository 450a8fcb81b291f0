// Package psp contains payment service provider clients.
//
// Two implementations are provided: a generic HTTP client for PSPs that
// expose a REST charge API (including PIX support), and a Stripe-backed
// client for card payments. Both return *Error for business declines so
// callers can tell a refused card apart from a transport failure.
package psp

import (
	"fmt"
	"time"
)

// ChargeRequest describes a charge to be created at the provider.
// AmountCents is the amount the payer is charged, in cents.
type ChargeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Method      string `json:"method"` // "card" or "pix"
	CardToken   string `json:"card_token,omitempty"`
	PayerName   string `json:"payer_name"`
	PayerEmail  string `json:"payer_email"`
	Reference   string `json:"reference"` // our transaction ID, echoed back in webhooks
	Description string `json:"description,omitempty"`
}

// ChargeResult is the provider's response to a successful charge creation.
// Status is the provider's own status vocabulary; authoritative state
// changes arrive later via webhook.
type ChargeResult struct {
	GatewayTransactionID string     `json:"gateway_transaction_id"`
	Status               string     `json:"status"`
	PixQRCode            string     `json:"pix_qr_code,omitempty"`
	PixCopyPaste         string     `json:"pix_copy_paste,omitempty"`
	PixExpiresAt         *time.Time `json:"pix_expires_at,omitempty"`

	// Raw is the provider's response body as received, kept for audit.
	Raw []byte `json:"-"`
}

// Error is a business-level rejection from the provider (declined card,
// invalid payment data). Transport and timeout failures are returned as
// plain errors, not *Error: those mean the charge outcome is unknown.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("psp: %s: %s", e.Code, e.Message)
}
