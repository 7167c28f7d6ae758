// Package sqlstore is a durable, SQLite-backed implementation of the
// pkg/store repository interfaces, with schema migrations applied via
// goose. It is selected when configuration names storage_driver=durable.
package sqlstore

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/privybridge/authbridge/internal/logger"
	"github.com/privybridge/authbridge/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a durable repositories bundle backed by a single *sql.DB. It
// implements store.Closer so the owning process can release the
// connection pool on shutdown.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at dsn, applies any pending goose
// migrations, and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite's single-writer model makes a large connection pool
	// counterproductive; serialize writers instead of fighting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	logger.Infow("durable store ready", "dsn", dsn)
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Repositories returns a store.Repositories bundle backed by this Store.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Clients:             &clientsRepo{db: s.db},
		AuthorizationCodes:  &authCodesRepo{db: s.db},
		RefreshTokens:       &refreshTokensRepo{db: s.db},
		AccessTokenSessions: &sessionsRepo{db: s.db},
	}
}

func joinScopes(scopes []string) string   { return strings.Join(scopes, " ") }
func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, " ")
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
