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

type refreshTokensRepo struct {
	db *sql.DB
}

func (r *refreshTokensRepo) Create(ctx context.Context, rec *store.RefreshToken) (*store.RefreshToken, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, token, client_id, upstream_user_id, upstream_token, scopes, expires_at, revoked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, rec.Token, rec.ClientID, rec.UpstreamUserID, rec.UpstreamToken, joinScopes(rec.Scopes), rec.ExpiresAt, nullableTime(rec.RevokedAt), createdAt)
	if err != nil {
		return nil, fmt.Errorf("creating refresh token: %w", err)
	}
	out := *rec
	out.ID = id
	out.CreatedAt = createdAt
	return &out, nil
}

func (r *refreshTokensRepo) FindByToken(ctx context.Context, raw string) (*store.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, token, client_id, upstream_user_id, upstream_token, scopes, expires_at, revoked_at, created_at
		FROM refresh_tokens WHERE token = ?
	`, raw)

	var rec store.RefreshToken
	var scopes string
	var revokedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Token, &rec.ClientID, &rec.UpstreamUserID, &rec.UpstreamToken, &scopes, &rec.ExpiresAt, &revokedAt, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("finding refresh token: %w", err)
	}
	rec.Scopes = splitScopes(scopes)
	rec.RevokedAt = timePtr(revokedAt)
	return &rec, nil
}

func (r *refreshTokensRepo) RevokeByToken(ctx context.Context, raw string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL`, at, raw)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return checkAffected(res, store.ErrNotFound)
}

func (r *refreshTokensRepo) DeleteByToken(ctx context.Context, raw string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, raw)
	if err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	return nil
}

func (r *refreshTokensRepo) RevokeAllForUser(ctx context.Context, clientID, upstreamUserID string, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = ?
		WHERE client_id = ? AND upstream_user_id = ? AND revoked_at IS NULL
	`, at, clientID, upstreamUserID)
	if err != nil {
		return 0, fmt.Errorf("revoking refresh tokens for user: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *refreshTokensRepo) PurgeExpiredOrRevoked(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ? OR revoked_at IS NOT NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("purging refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
