package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed gift store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the gift_items table. The CHECK constraints are the last
// line of defence against the counters going negative.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gift_items (
			id                  VARCHAR(36) PRIMARY KEY,
			tenant_id           VARCHAR(36) NOT NULL,
			name                TEXT NOT NULL,
			description         TEXT,
			price_cents         BIGINT NOT NULL,
			quantity_available  INT NOT NULL DEFAULT 0,
			quantity_sold       INT NOT NULL DEFAULT 0,
			is_enabled          BOOLEAN NOT NULL DEFAULT TRUE,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_price_nonneg     CHECK (price_cents >= 0),
			CONSTRAINT chk_available_nonneg CHECK (quantity_available >= 0),
			CONSTRAINT chk_sold_nonneg      CHECK (quantity_sold >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_gift_items_tenant ON gift_items(tenant_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, gift *GiftItem) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gift_items (id, tenant_id, name, description, price_cents,
			quantity_available, quantity_sold, is_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, gift.ID, gift.TenantID, gift.Name, gift.Description, gift.PriceCents,
		gift.QuantityAvailable, gift.QuantitySold, gift.IsEnabled)
	if err != nil {
		return fmt.Errorf("failed to create gift: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*GiftItem, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, COALESCE(description, ''), price_cents,
			quantity_available, quantity_sold, is_enabled, created_at, updated_at
		FROM gift_items WHERE id = $1
	`, id)
	return scanGift(row)
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*GiftItem, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, COALESCE(description, ''), price_cents,
			quantity_available, quantity_sold, is_enabled, created_at, updated_at
		FROM gift_items
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gifts []*GiftItem
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, err
		}
		gifts = append(gifts, g)
	}
	return gifts, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, gift *GiftItem) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE gift_items SET
			name = $2, description = $3, price_cents = $4,
			quantity_available = $5, is_enabled = $6, updated_at = NOW()
		WHERE id = $1
	`, gift.ID, gift.Name, gift.Description, gift.PriceCents,
		gift.QuantityAvailable, gift.IsEnabled)
	if err != nil {
		return fmt.Errorf("failed to update gift: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrGiftNotFound
	}
	return nil
}

// ApplyPurchase performs the inventory decrement in one atomic UPDATE.
// The quantity_available > 0 predicate makes concurrent purchasers
// serialize on the row; the loser sees zero rows affected.
func (p *PostgresStore) ApplyPurchase(ctx context.Context, id string) (*GiftItem, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE gift_items SET
			quantity_available = quantity_available - 1,
			quantity_sold      = quantity_sold + 1,
			is_enabled         = (quantity_available - 1 > 0) AND is_enabled,
			updated_at         = NOW()
		WHERE id = $1 AND quantity_available > 0
		RETURNING id, tenant_id, name, COALESCE(description, ''), price_cents,
			quantity_available, quantity_sold, is_enabled, created_at, updated_at
	`, id)

	g, err := scanGift(row)
	if err == ErrGiftNotFound {
		// Distinguish "no such gift" from "sold out".
		if _, getErr := p.Get(ctx, id); getErr == nil {
			return nil, ErrOutOfStock
		}
		return nil, ErrGiftNotFound
	}
	return g, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGift(row rowScanner) (*GiftItem, error) {
	g := &GiftItem{}
	err := row.Scan(&g.ID, &g.TenantID, &g.Name, &g.Description, &g.PriceCents,
		&g.QuantityAvailable, &g.QuantitySold, &g.IsEnabled, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGiftNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}
