package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

var ErrNotFound = errors.New("message not found")

// MessageRepository persists scheduled messages. Every status change goes
// through a compare-and-swap so that cancellation and dispatch can race safely.
type MessageRepository interface {
	Save(ctx context.Context, m *model.ScheduledMessage) error
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)

	// LoadPending returns up to limit pending records of the tenant whose fireAt
	// falls in window, strictly after cursor in (fireAt, createdAt, id) order.
	LoadPending(ctx context.Context, tenantID string, window model.Window, after model.Cursor, limit int) ([]model.ScheduledMessage, error)
	// LoadDue returns up to limit pending records with fireAt <= now, strictly
	// after cursor in dispatch order (see CompareDispatchOrder).
	LoadDue(ctx context.Context, now time.Time, after model.Cursor, limit int) ([]model.ScheduledMessage, error)
	// FindCancellable returns pending cancel-on-response records for the
	// recipient whose fireAt is after receivedAt.
	FindCancellable(ctx context.Context, tenantID, recipient string, receivedAt time.Time) ([]model.ScheduledMessage, error)
	ListByStatus(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.ScheduledMessage, error)

	// CompareAndSwapStatus moves id from expected to next. at is stamped as
	// resolvedAt when next is terminal.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next model.Status, at time.Time) (bool, error)
	// ClaimDue moves a pending record whose fireAt <= now to claimed.
	ClaimDue(ctx context.Context, id string, now time.Time) (bool, error)
	// UpdateFireAt changes fireAt of a pending record.
	UpdateFireAt(ctx context.Context, id string, fireAt time.Time) (bool, error)
	// Resolve moves a claimed record to sent or failed.
	Resolve(ctx context.Context, res model.Resolution) (bool, error)
	// FailStaleClaims moves every record claimed before olderThan to failed
	// with no credits used, stamping at as resolvedAt. It returns their ids.
	FailStaleClaims(ctx context.Context, olderThan, at time.Time, reason string) ([]string, error)
}
