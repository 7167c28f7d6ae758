package crypto

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinRSAKeyBits is the minimum accepted RSA modulus size, per NIST SP 800-57.
const MinRSAKeyBits = 2048

// Keypair holds the RSA signing key used to mint and verify access-token JWTs.
type Keypair struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// NewKeypair validates key and wraps it with the given key ID.
func NewKeypair(keyID string, key *rsa.PrivateKey) (*Keypair, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if key.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key must be at least %d bits, got %d", MinRSAKeyBits, key.N.BitLen())
	}
	return &Keypair{KeyID: keyID, PrivateKey: key}, nil
}

// AccessTokenClaims is the payload of a minted access-token JWT.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
}

// MintAccessTokenParams carries everything needed to mint an access token JWT.
type MintAccessTokenParams struct {
	Issuer   string
	Subject  string // upstreamUserId
	JTI      string
	Scopes   []string
	ClientID string
	TTL      time.Duration
	Now      time.Time
}

// MintAccessToken signs an RS256 JWT access token with audience set to the issuer.
func (k *Keypair) MintAccessToken(p MintAccessTokenParams) (string, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.Issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{p.Issuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(p.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        p.JTI,
		},
		Scope:    strings.Join(p.Scopes, " "),
		ClientID: p.ClientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.KeyID

	signed, err := token.SignedString(k.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessTokenParams configures VerifyAccessToken's expected claims.
type VerifyAccessTokenParams struct {
	Issuer   string
	Audience string
}

// VerifyAccessToken checks signature, iss, aud and exp and returns the parsed claims.
// A missing jti is NOT treated as fatal here -- callers that require jti (the
// credential-exchange endpoint) must check claims.ID themselves.
func (k *Keypair) VerifyAccessToken(tokenString string, p VerifyAccessTokenParams) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return &k.PrivateKey.PublicKey, nil
	},
		jwt.WithIssuer(p.Issuer),
		jwt.WithAudience(p.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// Scopes splits the space-joined scope claim into a slice.
func (c *AccessTokenClaims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// HasScope reports whether the claims grant the given scope.
func (c *AccessTokenClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}
