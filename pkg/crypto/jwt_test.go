package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testKeypair(t *testing.T) *Keypair {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kp, err := NewKeypair("test-key-1", key)
	require.NoError(t, err)
	return kp
}

func TestMintAndVerifyAccessToken(t *testing.T) {
	t.Parallel()

	kp := testKeypair(t)
	jti := uuid.NewString()

	signed, err := kp.MintAccessToken(MintAccessTokenParams{
		Issuer:   "https://auth.example.com",
		Subject:  "upstream-user-1",
		JTI:      jti,
		Scopes:   []string{"read", "privy:token:exchange"},
		ClientID: "client-1",
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	claims, err := kp.VerifyAccessToken(signed, VerifyAccessTokenParams{
		Issuer:   "https://auth.example.com",
		Audience: "https://auth.example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "upstream-user-1", claims.Subject)
	require.Equal(t, jti, claims.ID)
	require.True(t, claims.HasScope("read"))
	require.True(t, claims.HasScope("privy:token:exchange"))
	require.False(t, claims.HasScope("write"))
}

func TestVerifyAccessToken_TamperedSignatureFails(t *testing.T) {
	t.Parallel()

	kp := testKeypair(t)
	signed, err := kp.MintAccessToken(MintAccessTokenParams{
		Issuer:  "https://auth.example.com",
		Subject: "user",
		JTI:     uuid.NewString(),
		TTL:     time.Hour,
	})
	require.NoError(t, err)

	tampered := signed[:len(signed)-2] + "xx"
	_, err = kp.VerifyAccessToken(tampered, VerifyAccessTokenParams{
		Issuer:   "https://auth.example.com",
		Audience: "https://auth.example.com",
	})
	require.Error(t, err)
}

func TestVerifyAccessToken_WrongAudienceFails(t *testing.T) {
	t.Parallel()

	kp := testKeypair(t)
	signed, err := kp.MintAccessToken(MintAccessTokenParams{
		Issuer:  "https://auth.example.com",
		Subject: "user",
		JTI:     uuid.NewString(),
		TTL:     time.Hour,
	})
	require.NoError(t, err)

	_, err = kp.VerifyAccessToken(signed, VerifyAccessTokenParams{
		Issuer:   "https://auth.example.com",
		Audience: "https://someone-else.example.com",
	})
	require.Error(t, err)
}

func TestVerifyAccessToken_ExpiredFails(t *testing.T) {
	t.Parallel()

	kp := testKeypair(t)
	signed, err := kp.MintAccessToken(MintAccessTokenParams{
		Issuer:  "https://auth.example.com",
		Subject: "user",
		JTI:     uuid.NewString(),
		TTL:     -time.Minute,
	})
	require.NoError(t, err)

	_, err = kp.VerifyAccessToken(signed, VerifyAccessTokenParams{
		Issuer:   "https://auth.example.com",
		Audience: "https://auth.example.com",
	})
	require.Error(t, err)
}

func TestJWKSet(t *testing.T) {
	t.Parallel()

	kp := testKeypair(t)
	set, err := kp.JWKSet()
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	key, ok := set.Key(0)
	require.True(t, ok)
	require.Equal(t, "test-key-1", key.KeyID())
}
