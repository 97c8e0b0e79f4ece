package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresLedger keeps balances in tenant_credits and a journal of debits in
// credit_debits. The journal has a unique message_id so that replays do not
// charge twice.
type PostgresLedger struct {
	db  *sql.DB
	now func() time.Time
}

var _ Ledger = (*PostgresLedger)(nil)

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

func (l *PostgresLedger) Debit(ctx context.Context, tenantID string, amount int, messageID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := l.now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_debits (id, tenant_id, amount, message_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT DO NOTHING
	`, uuid.New(), tenantID, amount, messageID, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_credits (tenant_id, balance, updated_at)
		VALUES ($1, -$2::bigint, $3)
		ON CONFLICT (tenant_id) DO UPDATE
		SET balance = tenant_credits.balance - $2::bigint,
		    updated_at = EXCLUDED.updated_at
	`, tenantID, amount, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (l *PostgresLedger) Balance(ctx context.Context, tenantID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM tenant_credits WHERE tenant_id = $1`, tenantID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
