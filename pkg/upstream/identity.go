package upstream

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IdentityVerifierConfig configures an OIDC-backed identity token verifier.
type IdentityVerifierConfig struct {
	// IssuerURL is the upstream identity provider's OIDC issuer; its
	// discovery document and JWKS are fetched once at construction time.
	IssuerURL string
	// ClientID is the audience every verified token must carry.
	ClientID string
}

// IdentityVerifier proves a user's identity by cryptographically verifying
// an upstream-issued ID token and returning the subject it asserts.
type IdentityVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewIdentityVerifier discovers the upstream OIDC provider and builds a
// verifier bound to cfg.ClientID.
func NewIdentityVerifier(ctx context.Context, cfg IdentityVerifierConfig) (*IdentityVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return &IdentityVerifier{verifier: verifier}, nil
}

// VerifyUpstreamToken verifies token as a signed OIDC ID token and returns
// the subject it asserts. It satisfies oauthserver.UpstreamIdentityVerifier.
func (v *IdentityVerifier) VerifyUpstreamToken(ctx context.Context, token string) (string, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("upstream identity token verification failed: %w", err)
	}
	if idToken.Subject == "" {
		return "", fmt.Errorf("upstream identity token has no subject")
	}
	return idToken.Subject, nil
}
