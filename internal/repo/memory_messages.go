package repo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

// MemoryMessageRepo keeps records in process memory. It is used when no
// database is configured and in tests.
type MemoryMessageRepo struct {
	mu   sync.RWMutex
	msgs map[string]model.ScheduledMessage
}

var _ MessageRepository = (*MemoryMessageRepo)(nil)

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{msgs: make(map[string]model.ScheduledMessage)}
}

func (r *MemoryMessageRepo) Save(ctx context.Context, m *model.ScheduledMessage) error {
	if m == nil || m.ID == "" {
		return errors.New("message id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.msgs[m.ID]; ok {
		return fmt.Errorf("message %s already exists", m.ID)
	}
	r.msgs[m.ID] = clone(*m)
	return nil
}

func (r *MemoryMessageRepo) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(m)
	return &out, nil
}

func (r *MemoryMessageRepo) LoadPending(ctx context.Context, tenantID string, window model.Window, after model.Cursor, limit int) ([]model.ScheduledMessage, error) {
	out := r.filter(func(m model.ScheduledMessage) bool {
		return m.TenantID == tenantID && m.Status == model.Pending && window.Contains(m.FireAt) && after.After(m)
	})
	slices.SortFunc(out, compareFireAt)
	return head(out, limit), nil
}

func (r *MemoryMessageRepo) LoadDue(ctx context.Context, now time.Time, after model.Cursor, limit int) ([]model.ScheduledMessage, error) {
	out := r.filter(func(m model.ScheduledMessage) bool {
		return m.Status == model.Pending && !m.FireAt.After(now) && afterInDispatchOrder(after, m)
	})
	slices.SortFunc(out, CompareDispatchOrder)
	return head(out, limit), nil
}

func (r *MemoryMessageRepo) FindCancellable(ctx context.Context, tenantID, recipient string, receivedAt time.Time) ([]model.ScheduledMessage, error) {
	out := r.filter(func(m model.ScheduledMessage) bool {
		return m.TenantID == tenantID &&
			m.Recipient == recipient &&
			m.CancelOnResponse &&
			m.Status == model.Pending &&
			m.FireAt.After(receivedAt)
	})
	slices.SortFunc(out, compareFireAt)
	return out, nil
}

func (r *MemoryMessageRepo) ListByStatus(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	out := r.filter(func(m model.ScheduledMessage) bool {
		return m.TenantID == tenantID && m.Status == status
	})
	// latest fireAt first, like the postgres listing
	slices.SortFunc(out, func(a, b model.ScheduledMessage) int {
		return -compareFireAt(a, b)
	})
	if offset >= len(out) {
		return nil, nil
	}
	return head(out[offset:], limit), nil
}

func (r *MemoryMessageRepo) CompareAndSwapStatus(ctx context.Context, id string, expected, next model.Status, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != expected {
		return false, nil
	}
	m.Status = next
	at = at.UTC()
	if next == model.Claimed {
		m.AttemptedAt = &at
	}
	if next.Terminal() {
		m.ResolvedAt = &at
	}
	r.msgs[id] = m
	return true, nil
}

func (r *MemoryMessageRepo) ClaimDue(ctx context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != model.Pending || m.FireAt.After(now) {
		return false, nil
	}
	now = now.UTC()
	m.Status = model.Claimed
	m.AttemptedAt = &now
	r.msgs[id] = m
	return true, nil
}

func (r *MemoryMessageRepo) UpdateFireAt(ctx context.Context, id string, fireAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != model.Pending {
		return false, nil
	}
	m.FireAt = fireAt.UTC()
	r.msgs[id] = m
	return true, nil
}

func (r *MemoryMessageRepo) Resolve(ctx context.Context, res model.Resolution) (bool, error) {
	if res.Status != model.Sent && res.Status != model.Failed {
		return false, fmt.Errorf("cannot resolve to %q", res.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[res.ID]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != model.Claimed {
		return false, nil
	}
	at := res.ResolvedAt.UTC()
	m.Status = res.Status
	m.CreditsUsed = res.CreditsUsed
	m.ResolvedAt = &at
	m.FailureReason = res.FailureReason
	m.RemoteMessageID = res.RemoteMessageID
	r.msgs[res.ID] = m
	return true, nil
}

func (r *MemoryMessageRepo) FailStaleClaims(ctx context.Context, olderThan, at time.Time, reason string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	at = at.UTC()
	for id, m := range r.msgs {
		if m.Status != model.Claimed || m.AttemptedAt == nil || !m.AttemptedAt.Before(olderThan) {
			continue
		}
		m.Status = model.Failed
		m.CreditsUsed = 0
		m.ResolvedAt = &at
		m.FailureReason = reason
		r.msgs[id] = m
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *MemoryMessageRepo) filter(keep func(model.ScheduledMessage) bool) []model.ScheduledMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.ScheduledMessage
	for _, m := range r.msgs {
		if keep(m) {
			out = append(out, clone(m))
		}
	}
	return out
}

// CompareDispatchOrder orders by fireAt truncated to the second, then
// createdAt, then id.
func CompareDispatchOrder(a, b model.ScheduledMessage) int {
	if c := a.FireAt.Truncate(time.Second).Compare(b.FireAt.Truncate(time.Second)); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func afterInDispatchOrder(c model.Cursor, m model.ScheduledMessage) bool {
	if c.IsZero() {
		return true
	}
	return CompareDispatchOrder(m, model.ScheduledMessage{ID: c.ID, FireAt: c.FireAt, CreatedAt: c.CreatedAt}) > 0
}

func compareFireAt(a, b model.ScheduledMessage) int {
	if c := a.FireAt.Compare(b.FireAt); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func head(msgs []model.ScheduledMessage, limit int) []model.ScheduledMessage {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}

func clone(m model.ScheduledMessage) model.ScheduledMessage {
	m.MediaURLs = slices.Clone(m.MediaURLs)
	if m.AttemptedAt != nil {
		t := *m.AttemptedAt
		m.AttemptedAt = &t
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		m.ResolvedAt = &t
	}
	return m
}
