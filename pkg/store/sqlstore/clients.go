package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/privybridge/authbridge/pkg/store"
)

type clientsRepo struct {
	db *sql.DB
}

func (r *clientsRepo) Upsert(ctx context.Context, c *store.Client) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clients (id, display_name, redirect_uris, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, redirect_uris = excluded.redirect_uris
	`, c.ID, c.DisplayName, strings.Join(c.RedirectURIs, "\n"), createdAt)
	if err != nil {
		return fmt.Errorf("upserting client: %w", err)
	}
	return nil
}

func (r *clientsRepo) FindByID(ctx context.Context, id string) (*store.Client, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, display_name, redirect_uris, created_at FROM clients WHERE id = ?`, id)
	var c store.Client
	var redirectURIs string
	if err := row.Scan(&c.ID, &c.DisplayName, &redirectURIs, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("finding client: %w", err)
	}
	if redirectURIs != "" {
		c.RedirectURIs = strings.Split(redirectURIs, "\n")
	}
	return &c, nil
}

func (r *clientsRepo) FindByIDAndRedirectURI(ctx context.Context, id, redirectURI string) (*store.Client, error) {
	c, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasRedirectURI(redirectURI) {
		return nil, store.ErrNotFound
	}
	return c, nil
}
