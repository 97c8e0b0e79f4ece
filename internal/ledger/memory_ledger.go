package ledger

import (
	"context"
	"sync"
)

type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	charged  map[string]struct{}
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		charged:  make(map[string]struct{}),
	}
}

// TopUp adds credits to a tenant balance.
func (l *MemoryLedger) TopUp(tenantID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[tenantID] += amount
}

func (l *MemoryLedger) Debit(ctx context.Context, tenantID string, amount int, messageID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if messageID != "" {
		if _, ok := l.charged[messageID]; ok {
			return nil
		}
		l.charged[messageID] = struct{}{}
	}
	// balances may go negative; billing is reconciled outside the dispatcher
	l.balances[tenantID] -= int64(amount)
	return nil
}

func (l *MemoryLedger) Balance(ctx context.Context, tenantID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tenantID], nil
}
