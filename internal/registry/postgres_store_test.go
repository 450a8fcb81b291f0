//go:build integration

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/noivos/giftpay/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)

	if err := store.Migrate(context.Background()); err != nil {
		cleanup()
		t.Fatalf("Failed to migrate: %v", err)
	}

	return store, cleanup
}

func TestPostgres_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	gift := newTestGift("gift_pg_1", 3)

	if err := store.Create(ctx, gift); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "gift_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PriceCents != 45000 {
		t.Errorf("Expected price 45000, got %d", got.PriceCents)
	}
	if got.QuantityAvailable != 3 {
		t.Errorf("Expected quantity 3, got %d", got.QuantityAvailable)
	}
}

func TestPostgres_ApplyPurchase_SoldOut(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, newTestGift("gift_pg_2", 1))

	g, err := store.ApplyPurchase(ctx, "gift_pg_2")
	if err != nil {
		t.Fatalf("ApplyPurchase failed: %v", err)
	}
	if g.QuantityAvailable != 0 || g.IsEnabled {
		t.Errorf("Expected sold-out disabled gift, got %+v", g)
	}

	if _, err := store.ApplyPurchase(ctx, "gift_pg_2"); !errors.Is(err, ErrOutOfStock) {
		t.Errorf("Expected ErrOutOfStock, got %v", err)
	}

	if _, err := store.ApplyPurchase(ctx, "gift_pg_missing"); !errors.Is(err, ErrGiftNotFound) {
		t.Errorf("Expected ErrGiftNotFound, got %v", err)
	}
}

func TestPostgres_ApplyPurchase_ConcurrentSingleUnit(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	store.Create(ctx, newTestGift("gift_pg_3", 1))

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ApplyPurchase(ctx, "gift_pg_3"); err == nil {
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

	g, _ := store.Get(ctx, "gift_pg_3")
	if g.QuantityAvailable != 0 || g.QuantitySold != 1 {
		t.Errorf("Expected 0 available / 1 sold, got %d / %d", g.QuantityAvailable, g.QuantitySold)
	}
}
