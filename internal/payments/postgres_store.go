package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/noivos/giftpay/internal/psp"
)

// PostgresStore implements Store with PostgreSQL.
//
// Confirm touches both transactions and gift_items inside a single
// database transaction: payment settlement and inventory decrement
// either both happen or neither does.
type PostgresStore struct {
	db     *sql.DB
	keyTTL time.Duration
}

// NewPostgresStore creates a PostgreSQL-backed payments store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, keyTTL: DefaultKeyTTL}
}

// SetKeyTTL overrides how long idempotency keys replay their snapshot.
func (p *PostgresStore) SetKeyTTL(d time.Duration) {
	if d > 0 {
		p.keyTTL = d
	}
}

// Migrate creates the payments tables. The CHECK constraints are the last
// line of defense: the fee split must always sum to the gross amount.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id                      VARCHAR(40) PRIMARY KEY,
			tenant_id               VARCHAR(64) NOT NULL,
			gift_id                 VARCHAR(40) NOT NULL,
			gift_name               VARCHAR(255) NOT NULL,
			status                  VARCHAR(16) NOT NULL DEFAULT 'pending',
			payment_method          VARCHAR(8) NOT NULL,
			display_price_cents     BIGINT NOT NULL,
			gross_amount_cents      BIGINT NOT NULL,
			fee_amount_cents        BIGINT NOT NULL,
			net_amount_cents        BIGINT NOT NULL,
			platform_amount_cents   BIGINT NOT NULL,
			fee_bps                 INT NOT NULL,
			fee_modality            VARCHAR(16) NOT NULL,
			currency                VARCHAR(8) NOT NULL DEFAULT 'BRL',
			payer_name              VARCHAR(255) NOT NULL DEFAULT '',
			payer_email             VARCHAR(255) NOT NULL DEFAULT '',
			gateway_transaction_id  VARCHAR(128),
			pix_qr_code             TEXT NOT NULL DEFAULT '',
			pix_qr_text             TEXT NOT NULL DEFAULT '',
			pix_expires_at          TIMESTAMPTZ,
			gateway_response        JSONB,
			failure_reason          VARCHAR(255) NOT NULL DEFAULT '',
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed_at            TIMESTAMPTZ,
			failed_at               TIMESTAMPTZ,
			CONSTRAINT chk_txn_status CHECK (status IN ('pending', 'confirmed', 'failed')),
			CONSTRAINT chk_txn_method CHECK (payment_method IN ('card', 'pix')),
			CONSTRAINT chk_txn_amounts_nonneg CHECK (
				display_price_cents >= 0 AND gross_amount_cents >= 0 AND
				fee_amount_cents >= 0 AND net_amount_cents >= 0 AND
				platform_amount_cents >= 0
			),
			CONSTRAINT chk_txn_split CHECK (net_amount_cents + platform_amount_cents = gross_amount_cents)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_txn_gateway_id
			ON transactions(gateway_transaction_id) WHERE gateway_transaction_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_txn_gift ON transactions(gift_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_txn_tenant ON transactions(tenant_id);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key                VARCHAR(255) PRIMARY KEY,
			transaction_id     VARCHAR(40) NOT NULL REFERENCES transactions(id),
			response_snapshot  JSONB NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at         TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idem_expires ON idempotency_keys(expires_at);
	`)
	return err
}

const txnColumns = `id, tenant_id, gift_id, gift_name, status, payment_method,
	display_price_cents, gross_amount_cents, fee_amount_cents, net_amount_cents,
	platform_amount_cents, fee_bps, fee_modality, currency, payer_name, payer_email,
	COALESCE(gateway_transaction_id, ''), pix_qr_code, pix_qr_text, pix_expires_at,
	gateway_response, failure_reason,
	created_at, updated_at, confirmed_at, failed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	err := row.Scan(
		&txn.ID, &txn.TenantID, &txn.GiftID, &txn.GiftName, &txn.Status, &txn.PaymentMethod,
		&txn.DisplayPriceCents, &txn.GrossAmountCents, &txn.FeeAmountCents, &txn.NetAmountCents,
		&txn.PlatformAmountCents, &txn.FeeBPS, &txn.FeeModality, &txn.Currency,
		&txn.PayerName, &txn.PayerEmail, &txn.GatewayTransactionID, &txn.PixQRCode,
		&txn.PixCopyPaste, &txn.PixExpiresAt, &txn.GatewayResponse,
		&txn.FailureReason, &txn.CreatedAt, &txn.UpdatedAt, &txn.ConfirmedAt, &txn.FailedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (p *PostgresStore) CreateWithKey(ctx context.Context, txn *Transaction, key string) (*Transaction, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, tenant_id, gift_id, gift_name, status, payment_method,
			display_price_cents, gross_amount_cents, fee_amount_cents,
			net_amount_cents, platform_amount_cents, fee_bps, fee_modality,
			currency, payer_name, payer_email, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, txn.ID, txn.TenantID, txn.GiftID, txn.GiftName, txn.Status, txn.PaymentMethod,
		txn.DisplayPriceCents, txn.GrossAmountCents, txn.FeeAmountCents,
		txn.NetAmountCents, txn.PlatformAmountCents, txn.FeeBPS, txn.FeeModality,
		txn.Currency, txn.PayerName, txn.PayerEmail, txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if key == "" {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		cp := *txn
		return &cp, true, nil
	}

	snapshot, err := json.Marshal(txn)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode response snapshot: %w", err)
	}

	// ON CONFLICT makes concurrent claims of the same key race-safe: the
	// loser blocks until the winner's transaction commits, reports zero
	// rows affected, and can then read the winner's committed snapshot.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, transaction_id, response_snapshot, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, key, txn.ID, snapshot, txn.CreatedAt.Add(p.keyTTL))
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if claimed == 0 {
		// Key already taken: drop our insert and return the original.
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			return nil, false, err
		}
		var cached []byte
		err := p.db.QueryRowContext(ctx,
			`SELECT response_snapshot FROM idempotency_keys WHERE key = $1`, key).Scan(&cached)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load snapshot for idempotency key: %w", err)
		}
		existing, err := decodeSnapshot(cached)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	cp := *txn
	return &cp, true, nil
}

func (p *PostgresStore) GetByKey(ctx context.Context, key string) (*Transaction, error) {
	var cached []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT response_snapshot FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&cached)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for idempotency key: %w", err)
	}
	return decodeSnapshot(cached)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id))
}

func (p *PostgresStore) GetByGatewayID(ctx context.Context, gatewayTxnID string) (*Transaction, error) {
	return scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE gateway_transaction_id = $1`, gatewayTxnID))
}

func (p *PostgresStore) ListByGift(ctx context.Context, giftID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions WHERE gift_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, giftID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AttachGatewayResult(ctx context.Context, id string, res *psp.ChargeResult) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	updated, err := scanTransaction(tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET gateway_transaction_id = $2, pix_qr_code = $3, pix_qr_text = $4,
		    pix_expires_at = $5, gateway_response = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING `+txnColumns+`
	`, id, res.GatewayTransactionID, res.PixQRCode, res.PixCopyPaste, res.PixExpiresAt, nullJSON(res.Raw)))
	if err == ErrTransactionNotFound {
		return ErrTransactionNotFound
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("gateway transaction id %s already attached to another transaction: %w", res.GatewayTransactionID, err)
		}
		return fmt.Errorf("failed to attach gateway result: %w", err)
	}

	if err := refreshSnapshotTx(ctx, tx, updated); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, reason string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := scanTransaction(tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = 'failed', failure_reason = $2, failed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+txnColumns+`
	`, id, reason))
	if err == ErrTransactionNotFound {
		// Either unknown or already final; load it to tell the cases apart.
		existing, getErr := p.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrAlreadyFinal
	}
	if err != nil {
		return nil, err
	}

	if err := refreshSnapshotTx(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) Confirm(ctx context.Context, gatewayTxnID string) (*ConfirmResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := scanTransaction(tx.QueryRowContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions WHERE gateway_transaction_id = $1
		FOR UPDATE
	`, gatewayTxnID))
	if err != nil {
		return nil, err
	}

	if txn.Status.IsFinal() {
		return &ConfirmResult{Transaction: txn}, ErrAlreadyFinal
	}

	// Decrement inventory; a sold-out gift fails the transaction instead.
	result, err := tx.ExecContext(ctx, `
		UPDATE gift_items
		SET quantity_available = quantity_available - 1,
		    quantity_sold      = quantity_sold + 1,
		    is_enabled         = (quantity_available - 1 > 0) AND is_enabled,
		    updated_at         = NOW()
		WHERE id = $1 AND quantity_available > 0
	`, txn.GiftID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement inventory: %w", err)
	}
	decremented, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if decremented == 0 {
		updated, err := scanTransaction(tx.QueryRowContext(ctx, `
			UPDATE transactions
			SET status = 'failed', failure_reason = 'gift_sold_out', failed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING `+txnColumns+`
		`, txn.ID))
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &ConfirmResult{Transaction: updated, SoldOut: true}, nil
	}

	updated, err := scanTransaction(tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = 'confirmed', confirmed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+txnColumns+`
	`, txn.ID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ConfirmResult{Transaction: updated}, nil
}

func (p *PostgresStore) Fail(ctx context.Context, gatewayTxnID, reason string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := scanTransaction(tx.QueryRowContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions WHERE gateway_transaction_id = $1
		FOR UPDATE
	`, gatewayTxnID))
	if err != nil {
		return nil, err
	}

	if txn.Status.IsFinal() {
		return txn, ErrAlreadyFinal
	}

	updated, err := scanTransaction(tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = 'failed', failure_reason = $2, failed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+txnColumns+`
	`, txn.ID, reason))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *PostgresStore) DeleteExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency keys: %w", err)
	}
	return result.RowsAffected()
}

// refreshSnapshotTx re-caches the transaction under its idempotency key so
// replays see the response the original charge call produced. Webhook
// settlement does not refresh: replays keep returning the charge response.
func refreshSnapshotTx(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	snapshot, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("failed to encode response snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE idempotency_keys SET response_snapshot = $2 WHERE transaction_id = $1`, txn.ID, snapshot)
	return err
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
