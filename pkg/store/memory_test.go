package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClients_UpsertAndFind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := NewMemoryClients()

	c := &Client{ID: "client-1", RedirectURIs: []string{"https://example.com/cb"}, CreatedAt: time.Now()}
	require.NoError(t, clients.Upsert(ctx, c))

	got, err := clients.FindByID(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ID)

	_, err = clients.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = clients.FindByIDAndRedirectURI(ctx, "client-1", "https://evil.example.com/cb")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = clients.FindByIDAndRedirectURI(ctx, "client-1", "https://example.com/cb")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ID)
}

func TestMemoryClients_RedirectURIExactMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := NewMemoryClients()
	require.NoError(t, clients.Upsert(ctx, &Client{ID: "c", RedirectURIs: []string{"https://Example.com/cb"}}))

	_, err := clients.FindByIDAndRedirectURI(ctx, "c", "https://example.com/cb")
	assert.ErrorIs(t, err, ErrNotFound, "redirect URI comparison must be case-sensitive")
}

func TestMemoryAuthorizationCodes_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	codes := NewMemoryAuthorizationCodes()
	now := time.Now()

	rec, err := codes.Create(ctx, &AuthorizationCode{
		Code:      "abc123",
		ClientID:  "client-1",
		ExpiresAt: now.Add(30 * time.Second),
		CreatedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, rec.IsValid(now))

	found, err := codes.FindByCode(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, found.Used)

	require.NoError(t, codes.MarkUsed(ctx, "abc123"))
	found, err = codes.FindByCode(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, found.Used)
	assert.False(t, found.IsValid(now), "a used code must not be valid")

	require.NoError(t, codes.Delete(ctx, "abc123"))
	_, err = codes.FindByCode(ctx, "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAuthorizationCodes_PurgeExpiredOrUsed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	codes := NewMemoryAuthorizationCodes()
	now := time.Now()

	_, err := codes.Create(ctx, &AuthorizationCode{Code: "expired", ExpiresAt: now.Add(-time.Second)})
	require.NoError(t, err)
	_, err = codes.Create(ctx, &AuthorizationCode{Code: "fresh", ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	_, err = codes.Create(ctx, &AuthorizationCode{Code: "used", ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, codes.MarkUsed(ctx, "used"))

	n, err := codes.PurgeExpiredOrUsed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = codes.FindByCode(ctx, "fresh")
	require.NoError(t, err)
	_, err = codes.FindByCode(ctx, "expired")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = codes.FindByCode(ctx, "used")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRefreshTokens_Rotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tokens := NewMemoryRefreshTokens()
	now := time.Now()

	rec, err := tokens.Create(ctx, &RefreshToken{
		Token: "r1", ClientID: "c", UpstreamUserID: "u1", ExpiresAt: now.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.True(t, rec.IsValid(now))

	// Rotation: delete the old token (not merely revoke it), then issue a new one.
	require.NoError(t, tokens.DeleteByToken(ctx, "r1"))
	_, err = tokens.FindByToken(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound, "a rotated-out refresh token must be gone, not just revoked")

	_, err = tokens.Create(ctx, &RefreshToken{Token: "r2", ClientID: "c", UpstreamUserID: "u1", ExpiresAt: now.Add(30 * 24 * time.Hour)})
	require.NoError(t, err)
	found, err := tokens.FindByToken(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, found.IsValid(now))
}

func TestMemoryRefreshTokens_RevokeAllForUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tokens := NewMemoryRefreshTokens()
	now := time.Now()

	for _, tok := range []string{"a", "b"} {
		_, err := tokens.Create(ctx, &RefreshToken{Token: tok, ClientID: "c", UpstreamUserID: "u1", ExpiresAt: now.Add(time.Hour)})
		require.NoError(t, err)
	}
	_, err := tokens.Create(ctx, &RefreshToken{Token: "other-user", ClientID: "c", UpstreamUserID: "u2", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	n, err := tokens.RevokeAllForUser(ctx, "c", "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tok := range []string{"a", "b"} {
		rec, err := tokens.FindByToken(ctx, tok)
		require.NoError(t, err)
		assert.False(t, rec.IsValid(now))
	}

	rec, err := tokens.FindByToken(ctx, "other-user")
	require.NoError(t, err)
	assert.True(t, rec.IsValid(now), "revocation must not fan out across users")
}

func TestMemoryAccessTokenSessions_MarkUpstreamInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sessions := NewMemoryAccessTokenSessions()
	now := time.Now()

	rec, err := sessions.Create(ctx, &AccessTokenSession{
		JTI: "jti-1", ClientID: "c", UpstreamUserID: "u1", ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, rec.IsQuarantined())

	require.NoError(t, sessions.MarkUpstreamInvalid(ctx, "jti-1", now))
	found, err := sessions.FindByJTI(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, found.IsQuarantined())
}

func TestMemoryAccessTokenSessions_PurgeExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sessions := NewMemoryAccessTokenSessions()
	now := time.Now()

	_, err := sessions.Create(ctx, &AccessTokenSession{JTI: "expired", ExpiresAt: now.Add(-time.Second)})
	require.NoError(t, err)
	_, err = sessions.Create(ctx, &AccessTokenSession{JTI: "fresh", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	n, err := sessions.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = sessions.FindByJTI(ctx, "fresh")
	require.NoError(t, err)
	_, err = sessions.FindByJTI(ctx, "expired")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewMemoryRepositories(t *testing.T) {
	t.Parallel()
	repos := NewMemoryRepositories()
	require.NotNil(t, repos.Clients)
	require.NotNil(t, repos.AuthorizationCodes)
	require.NotNil(t, repos.RefreshTokens)
	require.NotNil(t, repos.AccessTokenSessions)
}
