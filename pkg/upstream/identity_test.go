package upstream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

// mockIdentityProvider serves just enough of an OIDC discovery document and
// JWKS endpoint for oidc.NewProvider/IDTokenVerifier to work against it.
type mockIdentityProvider struct {
	*httptest.Server
	key   *rsa.PrivateKey
	keyID string
}

func newMockIdentityProvider(t *testing.T) *mockIdentityProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	m := &mockIdentityProvider{key: key, keyID: "test-upstream-kid"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", m.handleDiscovery)
	mux.HandleFunc("/jwks", m.handleJWKS)
	m.Server = httptest.NewServer(mux)
	return m
}

func (m *mockIdentityProvider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                 m.URL,
		"authorization_endpoint": m.URL + "/authorize",
		"token_endpoint":         m.URL + "/token",
		"jwks_uri":               m.URL + "/jwks",
	})
}

func (m *mockIdentityProvider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	key, err := jwk.Import(m.key.Public())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = key.Set(jwk.KeyIDKey, m.keyID)
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	set := jwk.NewSet()
	_ = set.AddKey(key)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (m *mockIdentityProvider) signIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.keyID
	signed, err := token.SignedString(m.key)
	require.NoError(t, err)
	return signed
}

func TestIdentityVerifier_ValidTokenReturnsSubject(t *testing.T) {
	mock := newMockIdentityProvider(t)
	defer mock.Close()

	v, err := NewIdentityVerifier(context.Background(), IdentityVerifierConfig{
		IssuerURL: mock.URL,
		ClientID:  "test-client",
	})
	require.NoError(t, err)

	token := mock.signIDToken(t, jwt.MapClaims{
		"iss": mock.URL,
		"sub": "upstream-user-1",
		"aud": "test-client",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})

	sub, err := v.VerifyUpstreamToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "upstream-user-1", sub)
}

func TestIdentityVerifier_WrongAudienceRejected(t *testing.T) {
	mock := newMockIdentityProvider(t)
	defer mock.Close()

	v, err := NewIdentityVerifier(context.Background(), IdentityVerifierConfig{
		IssuerURL: mock.URL,
		ClientID:  "test-client",
	})
	require.NoError(t, err)

	token := mock.signIDToken(t, jwt.MapClaims{
		"iss": mock.URL,
		"sub": "upstream-user-1",
		"aud": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})

	_, err = v.VerifyUpstreamToken(context.Background(), token)
	require.Error(t, err)
}

func TestIdentityVerifier_ExpiredTokenRejected(t *testing.T) {
	mock := newMockIdentityProvider(t)
	defer mock.Close()

	v, err := NewIdentityVerifier(context.Background(), IdentityVerifierConfig{
		IssuerURL: mock.URL,
		ClientID:  "test-client",
	})
	require.NoError(t, err)

	token := mock.signIDToken(t, jwt.MapClaims{
		"iss": mock.URL,
		"sub": "upstream-user-1",
		"aud": "test-client",
		"exp": time.Now().Add(-time.Hour).Unix(),
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
	})

	_, err = v.VerifyUpstreamToken(context.Background(), token)
	require.Error(t, err)
}

func TestNewIdentityVerifier_RequiresIssuerAndClientID(t *testing.T) {
	_, err := NewIdentityVerifier(context.Background(), IdentityVerifierConfig{ClientID: "x"})
	require.Error(t, err)
	_, err = NewIdentityVerifier(context.Background(), IdentityVerifierConfig{IssuerURL: "https://example.test"})
	require.Error(t, err)
}
