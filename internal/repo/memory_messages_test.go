package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

var base = time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

func pending(id, tenant, recipient string, fireAt, createdAt time.Time, cancelOnResponse bool) *model.ScheduledMessage {
	return &model.ScheduledMessage{
		ID:               id,
		TenantID:         tenant,
		Recipient:        recipient,
		Content:          "hello " + id,
		CreatedAt:        createdAt,
		FireAt:           fireAt,
		CancelOnResponse: cancelOnResponse,
		Status:           model.Pending,
	}
}

func TestMemoryRepo_SaveAndGet(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()

	m := pending("m1", "t1", "+361", base.Add(time.Hour), base, false)
	m.MediaURLs = []string{"https://cdn.example.com/a.png"}
	require.NoError(t, r.Save(ctx, m))
	require.Error(t, r.Save(ctx, m), "duplicate ids must be rejected")

	got, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, model.Pending, got.Status)

	// returned copies must not alias stored state
	got.MediaURLs[0] = "changed"
	again, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.png", again.MediaURLs[0])

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepo_LoadDue_OrdersBySecondThenCreatedAt(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()

	fire := base.Add(time.Hour)
	// same second, later sub-second fireAt but created earlier
	require.NoError(t, r.Save(ctx, pending("late-created", "t1", "+1", fire, base.Add(2*time.Minute), false)))
	require.NoError(t, r.Save(ctx, pending("early-created", "t1", "+2", fire.Add(500*time.Millisecond), base.Add(time.Minute), false)))
	require.NoError(t, r.Save(ctx, pending("not-due", "t1", "+3", fire.Add(time.Hour), base, false)))

	due, err := r.LoadDue(ctx, fire.Add(time.Second), model.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early-created", due[0].ID)
	assert.Equal(t, "late-created", due[1].ID)

	due, err = r.LoadDue(ctx, fire.Add(time.Second), model.Cursor{}, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)

	due, err = r.LoadDue(ctx, fire.Add(time.Second), model.CursorOf(due[0]), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "late-created", due[0].ID)
}

func TestMemoryRepo_LoadDue_CursorSurvivesConcurrentClaims(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	fire := base.Add(time.Hour)
	for i, id := range []string{"r0", "r1", "r2", "r3"} {
		require.NoError(t, r.Save(ctx, pending(id, "t1", "+1", fire, base.Add(time.Duration(i)*time.Minute), false)))
	}

	page, err := r.LoadDue(ctx, fire, model.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	// another replica claims the first record between pages
	ok, err := r.ClaimDue(ctx, "r0", fire)
	require.NoError(t, err)
	require.True(t, ok)

	page, err = r.LoadDue(ctx, fire, model.CursorOf(page[1]), 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "r2", page[0].ID)
	assert.Equal(t, "r3", page[1].ID)
}

func TestMemoryRepo_FailStaleClaims(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	fire := base.Add(time.Hour)
	require.NoError(t, r.Save(ctx, pending("old", "t1", "+1", fire, base, false)))
	require.NoError(t, r.Save(ctx, pending("fresh", "t1", "+1", fire, base, false)))
	require.NoError(t, r.Save(ctx, pending("waiting", "t1", "+1", fire, base, false)))

	_, err := r.ClaimDue(ctx, "old", fire)
	require.NoError(t, err)
	_, err = r.ClaimDue(ctx, "fresh", fire.Add(time.Minute))
	require.NoError(t, err)

	ids, err := r.FailStaleClaims(ctx, fire.Add(30*time.Second), fire.Add(2*time.Minute), "dispatch interrupted")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	got, err := r.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.Failed, got.Status)
	assert.Zero(t, got.CreditsUsed)
	assert.Equal(t, "dispatch interrupted", got.FailureReason)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(fire.Add(2*time.Minute)))

	got, err = r.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.Claimed, got.Status)

	got, err = r.Get(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, model.Pending, got.Status)
}

func TestMemoryRepo_ClaimDue(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	fire := base.Add(time.Hour)
	require.NoError(t, r.Save(ctx, pending("m1", "t1", "+1", fire, base, false)))

	ok, err := r.ClaimDue(ctx, "m1", fire.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "claim before fireAt must fail")

	ok, err = r.ClaimDue(ctx, "m1", fire)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimDue(ctx, "m1", fire)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	got, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Claimed, got.Status)
	require.NotNil(t, got.AttemptedAt)

	_, err = r.ClaimDue(ctx, "missing", fire)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepo_CompareAndSwapStatus(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	require.NoError(t, r.Save(ctx, pending("m1", "t1", "+1", base.Add(time.Hour), base, true)))

	ok, err := r.CompareAndSwapStatus(ctx, "m1", model.Pending, model.Cancelled, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CompareAndSwapStatus(ctx, "m1", model.Pending, model.Cancelled, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(base.Add(time.Minute)))
}

func TestMemoryRepo_Resolve(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	fire := base.Add(time.Hour)
	require.NoError(t, r.Save(ctx, pending("m1", "t1", "+1", fire, base, false)))

	ok, err := r.Resolve(ctx, model.Resolution{ID: "m1", Status: model.Sent, CreditsUsed: 2, ResolvedAt: fire})
	require.NoError(t, err)
	assert.False(t, ok, "resolve requires a claim")

	_, err = r.ClaimDue(ctx, "m1", fire)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, model.Resolution{ID: "m1", Status: model.Cancelled})
	require.Error(t, err)

	ok, err = r.Resolve(ctx, model.Resolution{ID: "m1", Status: model.Sent, CreditsUsed: 2, ResolvedAt: fire, RemoteMessageID: "abc"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Sent, got.Status)
	assert.Equal(t, 2, got.CreditsUsed)
	assert.Equal(t, "abc", got.RemoteMessageID)

	ok, err = r.Resolve(ctx, model.Resolution{ID: "m1", Status: model.Failed, ResolvedAt: fire})
	require.NoError(t, err)
	assert.False(t, ok, "terminal records never change")
}

func TestMemoryRepo_UpdateFireAt(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	require.NoError(t, r.Save(ctx, pending("m1", "t1", "+1", base.Add(time.Hour), base, false)))

	ok, err := r.UpdateFireAt(ctx, "m1", base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.CompareAndSwapStatus(ctx, "m1", model.Pending, model.Cancelled, base)
	require.NoError(t, err)

	ok, err = r.UpdateFireAt(ctx, "m1", base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.FireAt.Equal(base.Add(2*time.Hour)))
}

func TestMemoryRepo_FindCancellable(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()
	received := base.Add(30 * time.Minute)

	require.NoError(t, r.Save(ctx, pending("match", "t1", "+1", base.Add(time.Hour), base, true)))
	require.NoError(t, r.Save(ctx, pending("no-flag", "t1", "+1", base.Add(time.Hour), base, false)))
	require.NoError(t, r.Save(ctx, pending("other-recipient", "t1", "+2", base.Add(time.Hour), base, true)))
	require.NoError(t, r.Save(ctx, pending("other-tenant", "t2", "+1", base.Add(time.Hour), base, true)))
	require.NoError(t, r.Save(ctx, pending("already-due", "t1", "+1", received, base, true)))

	got, err := r.FindCancellable(ctx, "t1", "+1", received)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "match", got[0].ID)
}

func TestMemoryRepo_LoadPending_PagesWithCursor(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Save(ctx, pending(id, "t1", "+1", base.Add(time.Duration(i+1)*time.Hour), base, false)))
	}
	require.NoError(t, r.Save(ctx, pending("x", "t2", "+1", base.Add(time.Hour), base, false)))

	window := model.Window{From: base.Add(time.Hour), To: base.Add(4 * time.Hour)}

	page, err := r.LoadPending(ctx, "t1", window, model.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	page, err = r.LoadPending(ctx, "t1", window, model.CursorOf(page[1]), 2)
	require.NoError(t, err)
	require.Len(t, page, 1, "d is outside the window")
	assert.Equal(t, "c", page[0].ID)
}

func TestMemoryRepo_ListByStatus(t *testing.T) {
	r := NewMemoryMessageRepo()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Save(ctx, pending(id, "t1", "+1", base.Add(time.Duration(i+1)*time.Hour), base, false)))
	}

	got, err := r.ListByStatus(ctx, "t1", model.Pending, 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)

	got, err = r.ListByStatus(ctx, "t1", model.Pending, 2, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = r.ListByStatus(ctx, "t1", model.Pending, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
