package ledger

import (
	"context"
	"errors"
)

var ErrInvalidAmount = errors.New("debit amount must be > 0")

// Ledger tracks the credit balance of each tenant.
type Ledger interface {
	// Debit charges amount credits to the tenant. messageID references the
	// message that consumed the credits; a second debit for the same message
	// is a no-op.
	Debit(ctx context.Context, tenantID string, amount int, messageID string) error
	Balance(ctx context.Context, tenantID string) (int64, error)
}
