package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/privybridge/authbridge/pkg/store"
)

type sessionsRepo struct {
	db *sql.DB
}

func (r *sessionsRepo) Create(ctx context.Context, rec *store.AccessTokenSession) (*store.AccessTokenSession, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_token_sessions
			(id, jti, client_id, upstream_user_id, upstream_token, scopes, expires_at, created_at, upstream_invalid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, rec.JTI, rec.ClientID, rec.UpstreamUserID, rec.UpstreamToken, joinScopes(rec.Scopes), rec.ExpiresAt, createdAt, nullableTime(rec.UpstreamInvalidAt))
	if err != nil {
		return nil, fmt.Errorf("creating access token session: %w", err)
	}
	out := *rec
	out.ID = id
	out.CreatedAt = createdAt
	return &out, nil
}

func (r *sessionsRepo) FindByJTI(ctx context.Context, jti string) (*store.AccessTokenSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, jti, client_id, upstream_user_id, upstream_token, scopes, expires_at, created_at, upstream_invalid_at
		FROM access_token_sessions WHERE jti = ?
	`, jti)

	var rec store.AccessTokenSession
	var scopes string
	var invalidAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JTI, &rec.ClientID, &rec.UpstreamUserID, &rec.UpstreamToken, &scopes, &rec.ExpiresAt, &rec.CreatedAt, &invalidAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("finding access token session: %w", err)
	}
	rec.Scopes = splitScopes(scopes)
	rec.UpstreamInvalidAt = timePtr(invalidAt)
	return &rec, nil
}

func (r *sessionsRepo) DeleteByJTI(ctx context.Context, jti string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM access_token_sessions WHERE jti = ?`, jti)
	if err != nil {
		return fmt.Errorf("deleting access token session: %w", err)
	}
	return nil
}

func (r *sessionsRepo) MarkUpstreamInvalid(ctx context.Context, jti string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE access_token_sessions SET upstream_invalid_at = ? WHERE jti = ?`, at, jti)
	if err != nil {
		return fmt.Errorf("marking session upstream invalid: %w", err)
	}
	return checkAffected(res, store.ErrNotFound)
}

func (r *sessionsRepo) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM access_token_sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purging access token sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
