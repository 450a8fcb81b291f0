// Package registry manages the gift catalog of a wedding registry.
//
// Each GiftItem carries the inventory ledger for that gift: the
// available/sold counters. The counters are mutated only when a payment
// is confirmed by the gateway webhook, never at charge-creation time.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGiftNotFound = errors.New("registry: gift not found")
	ErrOutOfStock   = errors.New("registry: gift out of stock")
)

// GiftItem is a purchasable registry entry.
type GiftItem struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	PriceCents        int64     `json:"priceCents"`
	QuantityAvailable int       `json:"quantityAvailable"`
	QuantitySold      int       `json:"quantitySold"`
	IsEnabled         bool      `json:"isEnabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Purchasable reports whether a charge may currently be created for this gift.
func (g *GiftItem) Purchasable() bool {
	return g.IsEnabled && g.QuantityAvailable > 0
}

// Store persists gift items.
type Store interface {
	Create(ctx context.Context, gift *GiftItem) error
	Get(ctx context.Context, id string) (*GiftItem, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*GiftItem, error)
	Update(ctx context.Context, gift *GiftItem) error

	// ApplyPurchase decrements quantity_available and increments
	// quantity_sold by one, atomically, disabling the gift when the last
	// unit is sold. Returns ErrOutOfStock when no units remain so the
	// counters can never go negative.
	ApplyPurchase(ctx context.Context, id string) (*GiftItem, error)
}
