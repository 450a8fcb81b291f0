package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestGift(id string, qty int) *GiftItem {
	now := time.Now()
	return &GiftItem{
		ID:                id,
		TenantID:          "tenant-1",
		Name:              "Espresso machine",
		PriceCents:        45000,
		QuantityAvailable: qty,
		IsEnabled:         qty > 0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestGift("gift_1", 3)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	g, err := store.Get(ctx, "gift_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g.Name != "Espresso machine" {
		t.Errorf("Expected name preserved, got %q", g.Name)
	}
	if !g.Purchasable() {
		t.Error("Expected gift to be purchasable")
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "gift_missing")
	if !errors.Is(err, ErrGiftNotFound) {
		t.Errorf("Expected ErrGiftNotFound, got %v", err)
	}
}

func TestMemoryStore_ApplyPurchase(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, newTestGift("gift_1", 2))

	g, err := store.ApplyPurchase(ctx, "gift_1")
	if err != nil {
		t.Fatalf("ApplyPurchase failed: %v", err)
	}
	if g.QuantityAvailable != 1 || g.QuantitySold != 1 {
		t.Errorf("Expected 1 available / 1 sold, got %d / %d", g.QuantityAvailable, g.QuantitySold)
	}
	if !g.IsEnabled {
		t.Error("Expected gift still enabled with stock remaining")
	}
}

func TestMemoryStore_ApplyPurchase_DisablesAtZero(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, newTestGift("gift_1", 1))

	g, err := store.ApplyPurchase(ctx, "gift_1")
	if err != nil {
		t.Fatalf("ApplyPurchase failed: %v", err)
	}
	if g.QuantityAvailable != 0 {
		t.Errorf("Expected 0 available, got %d", g.QuantityAvailable)
	}
	if g.IsEnabled {
		t.Error("Expected gift disabled once sold out")
	}
	if g.Purchasable() {
		t.Error("Expected sold-out gift not to be purchasable")
	}
}

func TestMemoryStore_ApplyPurchase_OutOfStock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, newTestGift("gift_1", 0))

	_, err := store.ApplyPurchase(ctx, "gift_1")
	if !errors.Is(err, ErrOutOfStock) {
		t.Errorf("Expected ErrOutOfStock, got %v", err)
	}
}

// N concurrent purchasers against a single unit: exactly one wins, the
// counter never goes negative.
func TestMemoryStore_ApplyPurchase_ConcurrentSingleUnit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, newTestGift("gift_1", 1))

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ApplyPurchase(ctx, "gift_1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly 1 successful purchase, got %d", successes)
	}

	g, _ := store.Get(ctx, "gift_1")
	if g.QuantityAvailable != 0 {
		t.Errorf("Expected 0 available, got %d", g.QuantityAvailable)
	}
	if g.QuantitySold != 1 {
		t.Errorf("Expected 1 sold, got %d", g.QuantitySold)
	}
}

func TestMemoryStore_ListByTenant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, newTestGift("gift_1", 1))
	store.Create(ctx, newTestGift("gift_2", 1))
	other := newTestGift("gift_3", 1)
	other.TenantID = "tenant-2"
	store.Create(ctx, other)

	gifts, err := store.ListByTenant(ctx, "tenant-1", 50)
	if err != nil {
		t.Fatalf("ListByTenant failed: %v", err)
	}
	if len(gifts) != 2 {
		t.Errorf("Expected 2 gifts for tenant-1, got %d", len(gifts))
	}
}

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, newTestGift("gift_1", 1))

	g, _ := store.Get(ctx, "gift_1")
	g.Name = "Stand mixer"
	if err := store.Update(ctx, g); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.Get(ctx, "gift_1")
	if got.Name != "Stand mixer" {
		t.Errorf("Expected updated name, got %q", got.Name)
	}

	missing := newTestGift("gift_missing", 1)
	if err := store.Update(ctx, missing); !errors.Is(err, ErrGiftNotFound) {
		t.Errorf("Expected ErrGiftNotFound, got %v", err)
	}
}
