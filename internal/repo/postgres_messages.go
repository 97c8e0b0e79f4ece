package repo

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables used by the message store and the credit ledger.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type PostgresMessageRepo struct {
	db *sql.DB
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const selectColumns = `
	id, tenant_id, recipient, content, media_urls, created_at, fire_at, time_zone,
	cancel_on_response, status, credits_used, attempted_at, resolved_at,
	failure_reason, remote_message_id`

func (r *PostgresMessageRepo) Save(ctx context.Context, m *model.ScheduledMessage) error {
	if m == nil || m.ID == "" {
		return errors.New("message id required")
	}
	media, err := json.Marshal(nonNil(m.MediaURLs))
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (
			id, tenant_id, recipient, content, media_urls, created_at, fire_at,
			time_zone, cancel_on_response, status, credits_used
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		m.ID,
		m.TenantID,
		m.Recipient,
		m.Content,
		string(media),
		m.CreatedAt.UTC(),
		m.FireAt.UTC(),
		m.TimeZone,
		m.CancelOnResponse,
		string(m.Status),
		m.CreditsUsed,
	)
	return err
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM scheduled_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresMessageRepo) LoadPending(ctx context.Context, tenantID string, window model.Window, after model.Cursor, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM scheduled_messages
		WHERE tenant_id = $1
		  AND status = 'pending'
		  AND ($2::timestamptz IS NULL OR fire_at >= $2)
		  AND ($3::timestamptz IS NULL OR fire_at < $3)
		  AND ($4 = '' OR (fire_at, created_at, id) > ($5, $6, $4))
		ORDER BY fire_at ASC, created_at ASC, id ASC
		LIMIT $7
	`,
		tenantID,
		nullTime(window.From),
		nullTime(window.To),
		after.ID,
		after.FireAt.UTC(),
		after.CreatedAt.UTC(),
		limit,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *PostgresMessageRepo) LoadDue(ctx context.Context, now time.Time, after model.Cursor, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM scheduled_messages
		WHERE status = 'pending'
		  AND fire_at <= $1
		  AND ($2 = '' OR (date_trunc('second', fire_at), created_at, id) > (date_trunc('second', $3::timestamptz), $4, $2))
		ORDER BY date_trunc('second', fire_at) ASC, created_at ASC, id ASC
		LIMIT $5
	`,
		now.UTC(),
		after.ID,
		after.FireAt.UTC(),
		after.CreatedAt.UTC(),
		limit,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *PostgresMessageRepo) FindCancellable(ctx context.Context, tenantID, recipient string, receivedAt time.Time) ([]model.ScheduledMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM scheduled_messages
		WHERE tenant_id = $1
		  AND recipient = $2
		  AND status = 'pending'
		  AND cancel_on_response
		  AND fire_at > $3
		ORDER BY fire_at ASC, created_at ASC, id ASC
	`, tenantID, recipient, receivedAt.UTC())
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *PostgresMessageRepo) ListByStatus(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM scheduled_messages
		WHERE tenant_id = $1 AND status = $2
		ORDER BY fire_at DESC, created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, tenantID, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *PostgresMessageRepo) CompareAndSwapStatus(ctx context.Context, id string, expected, next model.Status, at time.Time) (bool, error) {
	var attempted, resolved sql.NullTime
	if next == model.Claimed {
		attempted = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	if next.Terminal() {
		resolved = sql.NullTime{Time: at.UTC(), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = $3,
		    attempted_at = COALESCE($4, attempted_at),
		    resolved_at = COALESCE($5, resolved_at)
		WHERE id = $1 AND status = $2
	`, id, string(expected), string(next), attempted, resolved)
	if err != nil {
		return false, err
	}
	return r.swapped(ctx, res, id)
}

func (r *PostgresMessageRepo) ClaimDue(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'claimed', attempted_at = $2
		WHERE id = $1 AND status = 'pending' AND fire_at <= $2
	`, id, now.UTC())
	if err != nil {
		return false, err
	}
	return r.swapped(ctx, res, id)
}

func (r *PostgresMessageRepo) UpdateFireAt(ctx context.Context, id string, fireAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET fire_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, fireAt.UTC())
	if err != nil {
		return false, err
	}
	return r.swapped(ctx, res, id)
}

func (r *PostgresMessageRepo) Resolve(ctx context.Context, res model.Resolution) (bool, error) {
	if res.Status != model.Sent && res.Status != model.Failed {
		return false, fmt.Errorf("cannot resolve to %q", res.Status)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = $2,
		    credits_used = $3,
		    resolved_at = $4,
		    failure_reason = NULLIF($5, ''),
		    remote_message_id = NULLIF($6, '')
		WHERE id = $1 AND status = 'claimed'
	`,
		res.ID,
		string(res.Status),
		res.CreditsUsed,
		res.ResolvedAt.UTC(),
		res.FailureReason,
		res.RemoteMessageID,
	)
	if err != nil {
		return false, err
	}
	return r.swapped(ctx, result, res.ID)
}

func (r *PostgresMessageRepo) FailStaleClaims(ctx context.Context, olderThan, at time.Time, reason string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'failed',
		    credits_used = 0,
		    resolved_at = $2,
		    failure_reason = $3
		WHERE status = 'claimed' AND attempted_at < $1
		RETURNING id
	`, olderThan.UTC(), at.UTC(), reason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// swapped turns a zero-row update into either a lost race or ErrNotFound.
func (r *PostgresMessageRepo) swapped(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduled_messages WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (model.ScheduledMessage, error) {
	var m model.ScheduledMessage
	var status string
	var media []byte
	var attemptedAt, resolvedAt sql.NullTime
	var failureReason, remoteID sql.NullString

	if err := s.Scan(
		&m.ID,
		&m.TenantID,
		&m.Recipient,
		&m.Content,
		&media,
		&m.CreatedAt,
		&m.FireAt,
		&m.TimeZone,
		&m.CancelOnResponse,
		&status,
		&m.CreditsUsed,
		&attemptedAt,
		&resolvedAt,
		&failureReason,
		&remoteID,
	); err != nil {
		return m, err
	}

	m.Status = model.Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.FireAt = m.FireAt.UTC()

	if len(media) > 0 {
		if err := json.Unmarshal(media, &m.MediaURLs); err != nil {
			return m, fmt.Errorf("decode media_urls of %s: %w", m.ID, err)
		}
		if len(m.MediaURLs) == 0 {
			m.MediaURLs = nil
		}
	}
	if attemptedAt.Valid {
		t := attemptedAt.Time.UTC()
		m.AttemptedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		m.ResolvedAt = &t
	}
	if failureReason.Valid {
		m.FailureReason = failureReason.String
	}
	if remoteID.Valid {
		m.RemoteMessageID = remoteID.String
	}
	return m, nil
}

func collect(rows *sql.Rows) ([]model.ScheduledMessage, error) {
	defer rows.Close()

	var out []model.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
