package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noivos/giftpay/internal/psp"
	"github.com/noivos/giftpay/internal/registry"
)

type keyEntry struct {
	transactionID string
	snapshot      []byte
	expiresAt     time.Time
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	txns      map[string]*Transaction
	byGateway map[string]string // gateway txn ID -> our txn ID
	keys      map[string]keyEntry
	keyByTxn  map[string]string // txn ID -> idempotency key
	gifts     registry.Store
	keyTTL    time.Duration
}

// NewMemoryStore creates an empty in-memory store. The gift store is used
// to apply inventory changes when transactions are confirmed.
func NewMemoryStore(gifts registry.Store) *MemoryStore {
	return &MemoryStore{
		txns:      make(map[string]*Transaction),
		byGateway: make(map[string]string),
		keys:      make(map[string]keyEntry),
		keyByTxn:  make(map[string]string),
		gifts:     gifts,
		keyTTL:    DefaultKeyTTL,
	}
}

// SetKeyTTL overrides how long idempotency keys replay their snapshot.
func (m *MemoryStore) SetKeyTTL(d time.Duration) {
	if d > 0 {
		m.keyTTL = d
	}
}

func (m *MemoryStore) CreateWithKey(ctx context.Context, txn *Transaction, key string) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key != "" {
		if entry, ok := m.keys[key]; ok {
			stored, err := decodeSnapshot(entry.snapshot)
			if err != nil {
				return nil, false, err
			}
			return stored, false, nil
		}
	}

	cp := *txn
	m.txns[cp.ID] = &cp
	if key != "" {
		snapshot, err := json.Marshal(&cp)
		if err != nil {
			delete(m.txns, cp.ID)
			return nil, false, fmt.Errorf("failed to encode response snapshot: %w", err)
		}
		m.keys[key] = keyEntry{
			transactionID: cp.ID,
			snapshot:      snapshot,
			expiresAt:     time.Now().Add(m.keyTTL),
		}
		m.keyByTxn[cp.ID] = key
	}

	out := cp
	return &out, true, nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.keys[key]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return nil, ErrTransactionNotFound
	}
	return decodeSnapshot(entry.snapshot)
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetByGatewayID(ctx context.Context, gatewayTxnID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.getByGatewayLocked(gatewayTxnID)
}

func (m *MemoryStore) getByGatewayLocked(gatewayTxnID string) (*Transaction, error) {
	id, ok := m.byGateway[gatewayTxnID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ListByGift(ctx context.Context, giftID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, txn := range m.txns {
		if txn.GiftID == giftID {
			cp := *txn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AttachGatewayResult(ctx context.Context, id string, res *psp.ChargeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}

	txn.GatewayTransactionID = res.GatewayTransactionID
	txn.PixQRCode = res.PixQRCode
	txn.PixCopyPaste = res.PixCopyPaste
	txn.PixExpiresAt = res.PixExpiresAt
	txn.GatewayResponse = res.Raw
	txn.UpdatedAt = time.Now()
	m.byGateway[res.GatewayTransactionID] = id
	m.refreshSnapshotLocked(txn)
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, reason string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if txn.Status.IsFinal() {
		cp := *txn
		return &cp, ErrAlreadyFinal
	}

	markFailed(txn, reason)
	m.refreshSnapshotLocked(txn)
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) Confirm(ctx context.Context, gatewayTxnID string) (*ConfirmResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byGateway[gatewayTxnID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	txn := m.txns[id]
	if txn.Status.IsFinal() {
		cp := *txn
		return &ConfirmResult{Transaction: &cp}, ErrAlreadyFinal
	}

	if _, err := m.gifts.ApplyPurchase(ctx, txn.GiftID); err != nil {
		if errors.Is(err, registry.ErrOutOfStock) || errors.Is(err, registry.ErrGiftNotFound) {
			markFailed(txn, "gift_sold_out")
			cp := *txn
			return &ConfirmResult{Transaction: &cp, SoldOut: true}, nil
		}
		return nil, err
	}

	now := time.Now()
	txn.Status = StatusConfirmed
	txn.ConfirmedAt = &now
	txn.UpdatedAt = now
	cp := *txn
	return &ConfirmResult{Transaction: &cp}, nil
}

func (m *MemoryStore) Fail(ctx context.Context, gatewayTxnID, reason string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byGateway[gatewayTxnID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	txn := m.txns[id]
	if txn.Status.IsFinal() {
		cp := *txn
		return &cp, ErrAlreadyFinal
	}

	markFailed(txn, reason)
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) DeleteExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, entry := range m.keys {
		if !entry.expiresAt.After(now) {
			delete(m.keys, key)
			delete(m.keyByTxn, entry.transactionID)
			removed++
		}
	}
	return removed, nil
}

// refreshSnapshotLocked re-caches the transaction under its idempotency
// key so replays see the response the original charge call produced.
// Webhook settlement does not refresh: replays keep returning the charge
// response, not later state.
func (m *MemoryStore) refreshSnapshotLocked(txn *Transaction) {
	key, ok := m.keyByTxn[txn.ID]
	if !ok {
		return
	}
	entry := m.keys[key]
	if snapshot, err := json.Marshal(txn); err == nil {
		entry.snapshot = snapshot
		m.keys[key] = entry
	}
}

func markFailed(txn *Transaction, reason string) {
	now := time.Now()
	txn.Status = StatusFailed
	txn.FailureReason = reason
	txn.FailedAt = &now
	txn.UpdatedAt = now
}

func decodeSnapshot(snapshot []byte) (*Transaction, error) {
	var txn Transaction
	if err := json.Unmarshal(snapshot, &txn); err != nil {
		return nil, fmt.Errorf("failed to decode response snapshot: %w", err)
	}
	return &txn, nil
}
