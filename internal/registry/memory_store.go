package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation for tests and demo mode.
type MemoryStore struct {
	mu    sync.RWMutex
	gifts map[string]*GiftItem
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gifts: make(map[string]*GiftItem),
	}
}

func (m *MemoryStore) Create(ctx context.Context, gift *GiftItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *gift
	m.gifts[gift.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*GiftItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gifts[id]
	if !ok {
		return nil, ErrGiftNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*GiftItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*GiftItem
	for _, g := range m.gifts {
		if g.TenantID == tenantID {
			cp := *g
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, gift *GiftItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gifts[gift.ID]; !ok {
		return ErrGiftNotFound
	}
	cp := *gift
	cp.UpdatedAt = time.Now()
	m.gifts[gift.ID] = &cp
	return nil
}

func (m *MemoryStore) ApplyPurchase(ctx context.Context, id string) (*GiftItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gifts[id]
	if !ok {
		return nil, ErrGiftNotFound
	}
	if g.QuantityAvailable <= 0 {
		return nil, ErrOutOfStock
	}

	g.QuantityAvailable--
	g.QuantitySold++
	if g.QuantityAvailable == 0 {
		g.IsEnabled = false
	}
	g.UpdatedAt = time.Now()

	cp := *g
	return &cp, nil
}
