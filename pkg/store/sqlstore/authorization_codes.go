package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/privybridge/authbridge/pkg/store"
)

type authCodesRepo struct {
	db *sql.DB
}

func (r *authCodesRepo) Create(ctx context.Context, rec *store.AuthorizationCode) (*store.AuthorizationCode, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO authorization_codes
			(code, client_id, redirect_uri, upstream_user_id, upstream_token, scopes,
			 code_challenge, code_challenge_method, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Code, rec.ClientID, rec.RedirectURI, rec.UpstreamUserID, rec.UpstreamToken, joinScopes(rec.Scopes),
		rec.CodeChallenge, rec.CodeChallengeMethod, rec.ExpiresAt, false, createdAt)
	if err != nil {
		return nil, fmt.Errorf("creating authorization code: %w", err)
	}
	out := *rec
	out.CreatedAt = createdAt
	return &out, nil
}

func (r *authCodesRepo) FindByCode(ctx context.Context, code string) (*store.AuthorizationCode, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT code, client_id, redirect_uri, upstream_user_id, upstream_token, scopes,
		       code_challenge, code_challenge_method, expires_at, used, created_at
		FROM authorization_codes WHERE code = ?
	`, code)

	var rec store.AuthorizationCode
	var scopes string
	if err := row.Scan(&rec.Code, &rec.ClientID, &rec.RedirectURI, &rec.UpstreamUserID, &rec.UpstreamToken, &scopes,
		&rec.CodeChallenge, &rec.CodeChallengeMethod, &rec.ExpiresAt, &rec.Used, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("finding authorization code: %w", err)
	}
	rec.Scopes = splitScopes(scopes)
	return &rec, nil
}

func (r *authCodesRepo) MarkUsed(ctx context.Context, code string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE authorization_codes SET used = 1 WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("marking authorization code used: %w", err)
	}
	return checkAffected(res, store.ErrNotFound)
}

func (r *authCodesRepo) Delete(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("deleting authorization code: %w", err)
	}
	return nil
}

func (r *authCodesRepo) PurgeExpiredOrUsed(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE expires_at < ? OR used = 1`, now)
	if err != nil {
		return 0, fmt.Errorf("purging authorization codes: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
